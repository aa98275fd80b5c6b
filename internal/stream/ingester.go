// Package stream feeds live per-second aggregates into the feature cache.
// Stream-sourced values are what earn the confidence boost the scorer sees;
// when the socket is down the engine keeps running on rest/batch features.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/sawpanic/stockrun/internal/data/features"
)

type Config struct {
	// URL empty disables the ingester.
	URL    string `yaml:"url"`
	APIKey string `yaml:"-"` // STREAM_API_KEY; never serialized

	// Channel is the aggregate channel prefix; subscriptions are
	// "{channel}.{symbol}".
	Channel string   `yaml:"channel"`
	Symbols []string `yaml:"symbols"`

	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	ReadDeadline     time.Duration `yaml:"read_deadline"`
	MaxBackoff       time.Duration `yaml:"max_backoff"`
}

func DefaultConfig() Config {
	return Config{
		Channel:          "A",
		HandshakeTimeout: 30 * time.Second,
		ReadDeadline:     60 * time.Second,
		MaxBackoff:       30 * time.Second,
	}
}

func (c Config) Validate() error {
	if c.URL == "" {
		return nil // disabled
	}
	if c.Channel == "" {
		return fmt.Errorf("empty channel")
	}
	if c.MaxBackoff <= 0 {
		return fmt.Errorf("max_backoff must be positive, got %s", c.MaxBackoff)
	}
	return nil
}

// authRequest and subscribeRequest are the control frames the feed expects
// after the handshake.
type authRequest struct {
	Action string `json:"action"`
	Params string `json:"params"`
}

// aggEvent is one per-second aggregate. Pointer fields detect absent keys;
// an event missing its price or symbol is dropped, never defaulted.
type aggEvent struct {
	Ev     string   `json:"ev"`
	Sym    string   `json:"sym"`
	Close  *float64 `json:"c"`
	AccVol *float64 `json:"av"`
	VWAP   *float64 `json:"vw"`
}

// streamConfidence is the pre-boost confidence stamped on live writes.
const streamConfidence = 0.8

// Ingester pumps one websocket connection into the feature cache and
// reconnects with capped exponential backoff when it drops.
type Ingester struct {
	cfg   Config
	cache *features.Cache
	log   zerolog.Logger

	// OnEvent observes every processed event, dropped=true for malformed
	// or incomplete ones. Set before Run.
	OnEvent func(dropped bool)

	mu        sync.Mutex
	conn      *websocket.Conn
	closeCh   chan struct{}
	closeOnce sync.Once

	frames  atomic.Int64
	dropped atomic.Int64
}

func New(cfg Config, cache *features.Cache, log zerolog.Logger) *Ingester {
	return &Ingester{
		cfg:     cfg,
		cache:   cache,
		log:     log.With().Str("component", "stream").Logger(),
		closeCh: make(chan struct{}),
	}
}

// Frames reports delivered events since start; Dropped counts malformed or
// incomplete ones.
func (in *Ingester) Frames() int64  { return in.frames.Load() }
func (in *Ingester) Dropped() int64 { return in.dropped.Load() }

// Run connects and pumps until the context cancels or Close is called.
// Every disconnect reconnects after a backoff that doubles up to the cap.
func (in *Ingester) Run(ctx context.Context) error {
	if in.cfg.URL == "" {
		in.log.Info().Msg("stream disabled, no url configured")
		return nil
	}

	backoff := time.Second
	if in.cfg.MaxBackoff < backoff {
		backoff = in.cfg.MaxBackoff
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-in.closeCh:
			return nil
		default:
		}

		err := in.connectAndPump(ctx)
		if err == nil {
			return nil // clean shutdown
		}

		in.log.Warn().Err(err).Dur("backoff", backoff).Msg("stream disconnected")
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		case <-in.closeCh:
			return nil
		}

		backoff *= 2
		if backoff > in.cfg.MaxBackoff {
			backoff = in.cfg.MaxBackoff
		}
	}
}

// Close stops the pump. Safe to call more than once.
func (in *Ingester) Close() {
	in.closeOnce.Do(func() {
		close(in.closeCh)
		in.mu.Lock()
		if in.conn != nil {
			in.conn.Close()
		}
		in.mu.Unlock()
	})
}

func (in *Ingester) connectAndPump(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: in.cfg.HandshakeTimeout}
	headers := http.Header{"User-Agent": []string{"stockrun/1.0"}}

	conn, _, err := dialer.DialContext(ctx, in.cfg.URL, headers)
	if err != nil {
		return fmt.Errorf("stream dial failed: %w", err)
	}

	in.mu.Lock()
	in.conn = conn
	in.mu.Unlock()
	defer func() {
		in.mu.Lock()
		in.conn = nil
		in.mu.Unlock()
		conn.Close()
	}()

	if in.cfg.APIKey != "" {
		if err := conn.WriteJSON(authRequest{Action: "auth", Params: in.cfg.APIKey}); err != nil {
			return fmt.Errorf("stream auth failed: %w", err)
		}
	}
	if len(in.cfg.Symbols) > 0 {
		if err := conn.WriteJSON(authRequest{
			Action: "subscribe",
			Params: in.subscribeParams(),
		}); err != nil {
			return fmt.Errorf("stream subscribe failed: %w", err)
		}
	}

	in.log.Info().Str("url", in.cfg.URL).Int("symbols", len(in.cfg.Symbols)).Msg("stream connected")

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-in.closeCh:
			return nil
		default:
		}

		conn.SetReadDeadline(time.Now().Add(in.cfg.ReadDeadline))
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			case <-in.closeCh:
				return nil
			default:
			}
			return fmt.Errorf("stream read failed: %w", err)
		}
		if messageType != websocket.TextMessage {
			continue
		}

		in.processFrame(data)
	}
}

func (in *Ingester) subscribeParams() string {
	channels := make([]string, 0, len(in.cfg.Symbols))
	for _, symbol := range in.cfg.Symbols {
		channels = append(channels, in.cfg.Channel+"."+symbol)
	}
	return strings.Join(channels, ",")
}

// processFrame parses one frame of aggregate events. Malformed frames and
// incomplete events are dropped and counted; the cache only ever sees real
// exchange numbers.
func (in *Ingester) processFrame(data []byte) {
	var events []aggEvent
	if err := json.Unmarshal(data, &events); err != nil {
		in.observe(true)
		in.log.Debug().Err(err).Msg("dropping malformed stream frame")
		return
	}

	for _, ev := range events {
		if ev.Ev != in.cfg.Channel {
			continue // status and subscription acks
		}
		if ev.Sym == "" || ev.Close == nil || *ev.Close <= 0 {
			in.observe(true)
			continue
		}

		in.cache.PutValue(features.FeatPrice, ev.Sym, *ev.Close, features.SourceStream, streamConfidence)
		if ev.AccVol != nil && *ev.AccVol >= 0 {
			in.cache.PutValue(features.FeatVolume, ev.Sym, *ev.AccVol, features.SourceStream, streamConfidence)
		}
		if ev.VWAP != nil && *ev.VWAP > 0 {
			in.cache.PutValue(features.FeatVWAP, ev.Sym, *ev.VWAP, features.SourceStream, streamConfidence)
		}
		in.observe(false)
	}
}

func (in *Ingester) observe(dropped bool) {
	if dropped {
		in.dropped.Add(1)
	} else {
		in.frames.Add(1)
	}
	if in.OnEvent != nil {
		in.OnEvent(dropped)
	}
}
