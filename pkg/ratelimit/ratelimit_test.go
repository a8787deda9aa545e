package ratelimit

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalTake(t *testing.T) {
	l := NewLocalLimiter(1, 1)

	_, err := l.Take(context.Background())
	require.NoError(t, err)

	// the bucket is empty and the context gives up first
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err = l.Take(ctx)
	assert.Error(t, err)
}

func TestRedisTake(t *testing.T) {
	s := miniredis.RunT(t)
	c := redis.NewClient(&redis.Options{Addr: s.Addr()})
	defer c.Close()

	l := NewRedisLimiter(c, 10)

	for i := 0; i < 3; i++ {
		_, err := l.Take(context.Background())
		require.NoError(t, err)
	}
}

func TestRedisTakeCancelled(t *testing.T) {
	s := miniredis.RunT(t)
	c := redis.NewClient(&redis.Options{Addr: s.Addr()})
	defer c.Close()

	l := NewRedisLimiter(c, 1)

	_, err := l.Take(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = l.Take(ctx)
	assert.Error(t, err)
}

func TestThrottledTransport(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	c := &http.Client{Transport: NewThrottledTransport(NewLocalLimiter(100, 100), nil)}

	for i := 0; i < 3; i++ {
		resp, err := c.Get(srv.URL)
		require.NoError(t, err)
		resp.Body.Close()
	}

	assert.Equal(t, int32(3), hits.Load())
}
