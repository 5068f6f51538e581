package data

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"transactive-network/internal/model"
)

var t0 = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func TestStoreLatestAndExpiry(t *testing.T) {
	s := NewStore(time.Minute)
	clock := t0
	s.now = func() time.Time { return clock }

	s.Set(Reading{Owner: "utility", Kind: model.AverageDemandkW, Value: 420, Timestamp: t0})
	s.Set(Reading{Owner: "utility", Kind: model.AverageDemandkW, Value: 100, Timestamp: t0.Add(-time.Second)})

	v, at, ok := s.Latest("utility", model.AverageDemandkW)
	require.True(t, ok)
	assert.Equal(t, 420.0, v)
	assert.Equal(t, t0, at)

	_, _, ok = s.Latest("utility", model.ObservedPower)
	assert.False(t, ok)

	clock = t0.Add(2 * time.Minute)
	_, _, ok = s.Latest("utility", model.AverageDemandkW)
	assert.False(t, ok)
	assert.Empty(t, s.Snapshot())
	assert.Equal(t, 1, s.sweep())
}

func TestNilStore(t *testing.T) {
	var s *Store
	s.Set(Reading{Owner: "x"})
	_, _, ok := s.Latest("x", model.ObservedPower)
	assert.False(t, ok)
	assert.Nil(t, s.Snapshot())
	s.Clear()
}

func TestSnapshotOrderAndFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "telemetry.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"node": "feeder",
		"readings": [
			{"owner": "plug-load", "kind": "Power", "value": -7, "timestamp": "2024-06-01T12:00:00Z"},
			{"owner": "battery", "kind": "Power", "value": 3, "timestamp": "2024-06-01T12:00:00Z"}
		]
	}`), 0o644))

	snap, err := LoadSnapshotJSON(path)
	require.NoError(t, err)
	s := NewStore(0)
	assert.Equal(t, 2, s.Apply(snap))

	readings := s.Snapshot()
	require.Len(t, readings, 2)
	assert.Equal(t, "battery", readings[0].Owner)
	assert.Equal(t, "plug-load", readings[1].Owner)

	_, err = LoadSnapshotJSON(filepath.Join(dir, "missing.json"))
	assert.Error(t, err)
}

func TestGatewayFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/nodes/feeder/telemetry":
			assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"node":"feeder","readings":[{"owner":"utility","kind":"AverageDemandkW","value":350}]}`))
		case "/v1/nodes/busy/telemetry":
			w.Header().Set("Retry-After", "30")
			w.WriteHeader(http.StatusTooManyRequests)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := NewGatewayClient(srv.URL, "secret", zerolog.Nop())
	snap, err := c.Fetch(context.Background(), "feeder")
	require.NoError(t, err)
	require.Len(t, snap.Readings, 1)
	assert.Equal(t, model.AverageDemandkW, snap.Readings[0].Kind)

	_, err = c.Fetch(context.Background(), "busy")
	var gerr *GatewayError
	require.True(t, errors.As(err, &gerr))
	assert.Equal(t, "RATE_LIMIT_EXCEEDED", gerr.Code)
	assert.Equal(t, "30", gerr.RetryAfter)

	_, err = c.Fetch(context.Background(), "ghost")
	require.True(t, errors.As(err, &gerr))
	assert.Equal(t, http.StatusNotFound, gerr.StatusCode)
}

func TestGatewayPollStoresReadings(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"node":"feeder","readings":[{"owner":"battery","kind":"Power","value":5}]}`))
	}))
	defer srv.Close()

	s := NewStore(0)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		NewGatewayClient(srv.URL, "", zerolog.Nop()).Poll(ctx, "feeder", s, time.Hour)
		close(done)
	}()

	require.Eventually(t, func() bool {
		_, _, ok := s.Latest("battery", model.ObservedPower)
		return ok
	}, time.Second, 10*time.Millisecond)
	cancel()
	<-done
}
