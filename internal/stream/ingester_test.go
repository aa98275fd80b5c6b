package stream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/stockrun/internal/data/features"
)

func newTestCache() *features.Cache {
	return features.NewCache(features.NewMemoryBackend(), features.DefaultTTLConfig())
}

// wsServer upgrades each connection and hands it to fn.
func wsServer(t *testing.T, fn func(conn *websocket.Conn)) (*httptest.Server, string) {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		fn(conn)
	}))
	return srv, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestIngester_WritesStreamFeatures(t *testing.T) {
	srv, url := wsServer(t, func(conn *websocket.Conn) {
		frame := `[{"ev":"A","sym":"XYZ","c":3.00,"av":1500000,"vw":2.95}]`
		conn.WriteMessage(websocket.TextMessage, []byte(frame))
		// Hold the connection open until the client goes away.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	defer srv.Close()

	cfg := DefaultConfig()
	cfg.URL = url
	cfg.Symbols = []string{"XYZ"}
	cache := newTestCache()
	in := New(cfg, cache, zerolog.Nop())
	defer in.Close()

	go in.Run(context.Background())

	require.Eventually(t, func() bool {
		_, ok := cache.Get(features.FeatPrice, "XYZ")
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	price, _ := cache.Get(features.FeatPrice, "XYZ")
	assert.Equal(t, 3.00, price.Value)
	assert.Equal(t, features.SourceStream, price.Source)
	assert.Equal(t, 1.0, price.Confidence, "0.8 boosted by 1.25 caps at 1.0")

	volume, ok := cache.Get(features.FeatVolume, "XYZ")
	require.True(t, ok)
	assert.Equal(t, 1500000.0, volume.Value)

	vwap, ok := cache.Get(features.FeatVWAP, "XYZ")
	require.True(t, ok)
	assert.Equal(t, 2.95, vwap.Value)

	assert.Equal(t, int64(1), in.Frames())
	assert.Equal(t, int64(0), in.Dropped())
}

func TestIngester_DropsMalformedFrames(t *testing.T) {
	srv, url := wsServer(t, func(conn *websocket.Conn) {
		conn.WriteMessage(websocket.TextMessage, []byte(`{{{not json`))
		conn.WriteMessage(websocket.TextMessage, []byte(`[{"ev":"A","sym":"GOOD","c":5.5}]`))
		// Missing price: dropped, never fabricated.
		conn.WriteMessage(websocket.TextMessage, []byte(`[{"ev":"A","sym":"NOPRICE","av":100}]`))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	defer srv.Close()

	cfg := DefaultConfig()
	cfg.URL = url
	cache := newTestCache()
	in := New(cfg, cache, zerolog.Nop())
	defer in.Close()

	go in.Run(context.Background())

	require.Eventually(t, func() bool {
		_, ok := cache.Get(features.FeatPrice, "GOOD")
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	_, ok := cache.Get(features.FeatPrice, "NOPRICE")
	assert.False(t, ok, "events without a price never reach the cache")
	assert.GreaterOrEqual(t, in.Dropped(), int64(2))
}

func TestIngester_ReconnectsAfterDrop(t *testing.T) {
	var connections atomic.Int64
	srv, url := wsServer(t, func(conn *websocket.Conn) {
		n := connections.Add(1)
		if n == 1 {
			// First connection dies immediately.
			conn.Close()
			return
		}
		conn.WriteMessage(websocket.TextMessage, []byte(`[{"ev":"A","sym":"BACK","c":7.7}]`))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	defer srv.Close()

	cfg := DefaultConfig()
	cfg.URL = url
	cfg.MaxBackoff = 50 * time.Millisecond
	cache := newTestCache()
	in := New(cfg, cache, zerolog.Nop())
	defer in.Close()

	go in.Run(context.Background())

	require.Eventually(t, func() bool {
		_, ok := cache.Get(features.FeatPrice, "BACK")
		return ok
	}, 3*time.Second, 10*time.Millisecond)

	assert.GreaterOrEqual(t, connections.Load(), int64(2))
}

func TestIngester_DisabledWithoutURL(t *testing.T) {
	in := New(DefaultConfig(), newTestCache(), zerolog.Nop())

	done := make(chan error, 1)
	go func() { done <- in.Run(context.Background()) }()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("disabled ingester must return immediately")
	}
}

func TestIngester_CloseStopsRun(t *testing.T) {
	srv, url := wsServer(t, func(conn *websocket.Conn) {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	defer srv.Close()

	cfg := DefaultConfig()
	cfg.URL = url
	in := New(cfg, newTestCache(), zerolog.Nop())

	done := make(chan error, 1)
	go func() { done <- in.Run(context.Background()) }()

	time.Sleep(50 * time.Millisecond)
	in.Close()
	in.Close() // idempotent

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run must stop after Close")
	}
}

func TestSubscribeParams(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Symbols = []string{"AAPL", "XYZ"}
	in := New(cfg, newTestCache(), zerolog.Nop())

	assert.Equal(t, "A.AAPL,A.XYZ", in.subscribeParams())
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, Config{}.Validate(), "empty url means disabled, not invalid")

	bad := DefaultConfig()
	bad.URL = "wss://example.test"
	bad.Channel = ""
	assert.Error(t, bad.Validate())
}
