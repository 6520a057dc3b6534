package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/redis/go-redis/v9"
)

// Redis is a Feed backed by Redis Pub/Sub so every replica sees every change.
type Redis struct {
	rdb    *redis.Client
	prefix string
}

// NewRedis returns a Feed publishing on channels named prefix+challengeID.
func NewRedis(rdb *redis.Client, prefix string) *Redis {
	return &Redis{rdb: rdb, prefix: prefix}
}

func (r *Redis) Publish(ctx context.Context, s Snapshot) error {
	payload, err := json.Marshal(s)
	if err != nil {
		return err
	}
	if err := r.rdb.Publish(ctx, r.prefix+s.ChallengeID, payload).Err(); err != nil {
		return fmt.Errorf("can't publish to redis: %w", err)
	}
	return nil
}

// Subscribe returns once the subscription is confirmed, so no later Publish is missed.
func (r *Redis) Subscribe(ctx context.Context, challengeID string) (<-chan Snapshot, error) {
	ps := r.rdb.Subscribe(ctx, r.prefix+challengeID)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("can't subscribe in redis: %w", err)
	}
	out := make(chan Snapshot, subscriberBuffer)
	go func() {
		defer close(out)
		defer ps.Close()
		msgs := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var s Snapshot
				if err := json.Unmarshal([]byte(msg.Payload), &s); err != nil {
					log.Printf("feed: drop malformed snapshot on %s: %v", msg.Channel, err)
					continue
				}
				select {
				case out <- s:
				default:
				}
			}
		}
	}()
	return out, nil
}
