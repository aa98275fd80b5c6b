// Package learning pulls adaptive scoring weights and the market regime from
// the optional learning service. The service is advice, not a dependency: a
// slow call, transport fault, malformed payload or low-confidence answer
// falls back to the checked-in defaults and the run continues.
package learning

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/sawpanic/stockrun/infra/breakers"
	"github.com/sawpanic/stockrun/internal/domain/scoring"
	"github.com/sawpanic/stockrun/internal/infrastructure/httpclient"
)

type Config struct {
	// BaseURL empty means the service is not deployed; calls return
	// defaults without counting a fallback.
	BaseURL string `yaml:"base_url"`

	Timeout       time.Duration `yaml:"timeout"`        // hard bound per call
	MinConfidence float64       `yaml:"min_confidence"` // recommendations below this are ignored
}

func DefaultConfig() Config {
	return Config{
		Timeout:       2 * time.Second,
		MinConfidence: 0.60,
	}
}

func (c Config) Validate() error {
	if c.Timeout <= 0 || c.Timeout > 5*time.Second {
		return fmt.Errorf("timeout %s outside (0, 5s]", c.Timeout)
	}
	if c.MinConfidence < 0 || c.MinConfidence > 1 {
		return fmt.Errorf("min_confidence %f outside [0, 1]", c.MinConfidence)
	}
	return nil
}

// Regime is the service's market classification. Threshold is the minimum
// explosion probability a candidate must clear in this regime.
type Regime struct {
	Name       string  `json:"regime"`
	Confidence float64 `json:"confidence"`
	Threshold  float64 `json:"recommended_threshold"`
}

// DefaultRegime degrades the engine to pure ranking: no candidates are cut
// on regime grounds.
func DefaultRegime() Regime {
	return Regime{Name: "normal"}
}

type weightsResponse struct {
	Weights    scoring.Weights `json:"weights"`
	Confidence float64         `json:"confidence"`
}

type Client struct {
	cfg     Config
	pool    *httpclient.ClientPool
	breaker *breakers.Breaker
	log     zerolog.Logger

	defaults  scoring.Weights
	fallbacks atomic.Int64
}

func New(cfg Config, pool *httpclient.ClientPool, log zerolog.Logger) *Client {
	return &Client{
		cfg:      cfg,
		pool:     pool,
		breaker:  breakers.New("learning"),
		log:      log.With().Str("component", "learning").Logger(),
		defaults: scoring.DefaultWeights(),
	}
}

// Fallbacks reports how many calls have degraded to defaults since process
// start. Run stats snapshot this before and after a run.
func (c *Client) Fallbacks() int64 {
	return c.fallbacks.Load()
}

// Weights returns the service's scoring weights renormalized to sum to 1,
// or the checked-in defaults when the service is absent, failing, or not
// confident enough. Never returns an error.
func (c *Client) Weights(ctx context.Context) scoring.Weights {
	if c.cfg.BaseURL == "" {
		return c.defaults
	}

	var payload weightsResponse
	if err := c.getJSON(ctx, "/v1/weights", &payload); err != nil {
		c.fallback("weights", err)
		return c.defaults
	}
	if payload.Confidence < c.cfg.MinConfidence {
		c.ignoreLowConfidence("weights", payload.Confidence)
		return c.defaults
	}
	if err := payload.Weights.Validate(); err != nil {
		c.fallback("weights", fmt.Errorf("rejected payload: %w", err))
		return c.defaults
	}
	return payload.Weights.Normalized()
}

// Regime returns the service's regime recommendation, or DefaultRegime on
// any failure or low-confidence answer. Never returns an error.
func (c *Client) Regime(ctx context.Context) Regime {
	if c.cfg.BaseURL == "" {
		return DefaultRegime()
	}

	var payload Regime
	if err := c.getJSON(ctx, "/v1/regime", &payload); err != nil {
		c.fallback("regime", err)
		return DefaultRegime()
	}
	if payload.Confidence < c.cfg.MinConfidence {
		c.ignoreLowConfidence("regime", payload.Confidence)
		return DefaultRegime()
	}
	if payload.Name == "" || payload.Threshold < 0 {
		c.fallback("regime", fmt.Errorf("rejected payload: name=%q threshold=%f", payload.Name, payload.Threshold))
		return DefaultRegime()
	}
	return payload
}

// getJSON performs one bounded GET behind the circuit breaker. An open
// breaker fails immediately, which is exactly the degradation we want.
func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	_, err := c.breaker.Execute(func() (any, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+path, nil)
		if err != nil {
			return nil, err
		}

		resp, err := c.pool.Do(ctx, req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return nil, fmt.Errorf("learning returned status %d", resp.StatusCode)
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return nil, fmt.Errorf("failed to decode learning payload: %w", err)
		}
		return nil, nil
	})
	return err
}

func (c *Client) fallback(call string, err error) {
	c.fallbacks.Add(1)
	c.log.Debug().Err(err).Str("call", call).Msg("learning degraded to defaults")
}

func (c *Client) ignoreLowConfidence(call string, confidence float64) {
	c.fallbacks.Add(1)
	c.log.Debug().Str("call", call).Float64("confidence", confidence).
		Float64("min", c.cfg.MinConfidence).Msg("learning recommendation below confidence floor")
}
