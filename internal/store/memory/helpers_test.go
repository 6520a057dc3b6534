package memory

import (
	"time"

	"commitment-escrow/backend/internal/challenge/domain"
)

func newActiveSelf(id string) *domain.Challenge {
	now := time.Now().UTC()
	c, err := domain.NewSelfChallenge(id, "alice", domain.Draft{Description: "swim", Deadline: now.Add(time.Hour)}, now)
	if err != nil {
		panic(err)
	}
	return c
}
