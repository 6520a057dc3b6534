package loki

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"commitment-escrow/backend/internal/telemetry"
)

func newLoki(t *testing.T, status int) (*Client, *[]PushRequest) {
	t.Helper()
	var got []PushRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/loki/api/v1/push", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var body PushRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		got = append(got, body)
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	c, err := NewClient(srv.URL+"/", nil)
	require.NoError(t, err)
	return c, &got
}

func TestNewClient_EmptyURL(t *testing.T) {
	_, err := NewClient("  ", nil)
	assert.Error(t, err)
}

func TestPushEventJSON_LabelsAndTimestamp(t *testing.T) {
	c, got := newLoki(t, http.StatusNoContent)
	at := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	ev := telemetry.Event{Type: telemetry.EventChallengeSettled, ChallengeID: "c1", Status: "completed", Source: "settlement", CreatedAt: at}
	raw, err := json.Marshal(ev)
	require.NoError(t, err)

	require.NoError(t, c.PushEventJSON(context.Background(), raw))
	require.Len(t, *got, 1)
	stream := (*got)[0].Streams[0]
	assert.Equal(t, map[string]string{
		"job": jobLabel, "event_type": "challenge_settled", "status": "completed", "source": "settlement",
	}, stream.Stream)
	require.Len(t, stream.Values, 1)
	assert.Equal(t, strconv.FormatInt(at.UnixNano(), 10), stream.Values[0][0])
	assert.Equal(t, string(raw), stream.Values[0][1])
}

func TestPushEventJSON_Undecodable(t *testing.T) {
	c, got := newLoki(t, http.StatusNoContent)
	require.NoError(t, c.PushEventJSON(context.Background(), []byte("not json")))
	require.Len(t, *got, 1)
	assert.Equal(t, map[string]string{"job": jobLabel}, (*got)[0].Streams[0].Stream)
}

func TestPush_SanitizesLabels(t *testing.T) {
	c, got := newLoki(t, http.StatusNoContent)
	require.NoError(t, c.Push(context.Background(), time.Now(), "line", map[string]string{"source": "a b/c", "empty": "  "}))
	labels := (*got)[0].Streams[0].Stream
	assert.Equal(t, "a_b_c", labels["source"])
	assert.NotContains(t, labels, "empty")
}

func TestPush_Non2xx(t *testing.T) {
	c, _ := newLoki(t, http.StatusBadRequest)
	err := c.Push(context.Background(), time.Now(), "line", nil)
	assert.ErrorContains(t, err, "400")
}
