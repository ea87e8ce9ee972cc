package connectors

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubPublisher struct {
	name  string
	err   error
	calls int
}

func (s *stubPublisher) Publish(ctx context.Context, topic, key string, payload interface{}) error {
	s.calls++
	return s.err
}

func (s *stubPublisher) Name() string { return s.name }

func TestMultiPublisher_AttemptsEveryDownstream(t *testing.T) {
	failing := &stubPublisher{name: "kafka", err: errors.New("broker down")}
	ok := &stubPublisher{name: "log"}
	multi := NewMultiPublisher(failing, ok)

	err := multi.Publish(context.Background(), "dq-alerts", "run-1", map[string]string{"a": "b"})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "kafka")
	assert.Equal(t, 1, failing.calls)
	assert.Equal(t, 1, ok.calls)
	assert.Equal(t, 2, multi.Len())
}

func TestWebhookPublisher_PostsJSON(t *testing.T) {
	var body map[string]interface{}
	var topic string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		topic = r.Header.Get("X-Event-Topic")
		assert.Equal(t, "secret", r.Header.Get("X-Token"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	pub := NewWebhookPublisher(srv.URL, map[string]string{"X-Token": "secret"}, time.Second)
	err := pub.Publish(context.Background(), "dq-alerts", "run-1", map[string]interface{}{"run_id": "run-1", "score": 0.5})

	require.NoError(t, err)
	assert.Equal(t, "dq-alerts", topic)
	assert.Equal(t, "run-1", body["run_id"])
}

func TestWebhookPublisher_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	err := NewWebhookPublisher(srv.URL, nil, time.Second).Publish(context.Background(), "t", "", "x")
	assert.Error(t, err)
}

func TestEncodePayload(t *testing.T) {
	data, err := encodePayload([]byte("raw"))
	require.NoError(t, err)
	assert.Equal(t, "raw", string(data))

	data, err = encodePayload(map[string]int{"n": 1})
	require.NoError(t, err)
	assert.JSONEq(t, `{"n":1}`, string(data))

	_, err = encodePayload(make(chan int))
	assert.Error(t, err)
}
