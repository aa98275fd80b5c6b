// Package polygon implements the market-data client: one bulk snapshot call
// for the whole US equities universe plus per-symbol aggregates. This layer
// never retries and never fabricates rows; failures surface as empty results
// with an error kind for the caller to classify.
package polygon

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/sawpanic/stockrun/internal/domain"
	"github.com/sawpanic/stockrun/internal/infrastructure/httpclient"
)

type Config struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"-"` // POLYGON_API_KEY; never serialized

	// BearerAuth sends the key as an Authorization header instead of the
	// apiKey query parameter.
	BearerAuth bool `yaml:"bearer_auth"`

	BulkTimeout   time.Duration `yaml:"bulk_timeout"`
	SymbolTimeout time.Duration `yaml:"symbol_timeout"`
}

func DefaultConfig() Config {
	return Config{
		BaseURL:       "https://api.polygon.io",
		BulkTimeout:   30 * time.Second,
		SymbolTimeout: 10 * time.Second,
	}
}

func (c Config) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("empty base_url")
	}
	if c.BulkTimeout <= 0 || c.BulkTimeout > 30*time.Second {
		return fmt.Errorf("bulk_timeout %s outside (0, 30s]", c.BulkTimeout)
	}
	if c.SymbolTimeout <= 0 || c.SymbolTimeout > 10*time.Second {
		return fmt.Errorf("symbol_timeout %s outside (0, 10s]", c.SymbolTimeout)
	}
	return nil
}

type Client struct {
	cfg  Config
	pool *httpclient.ClientPool
	log  zerolog.Logger

	droppedAtSource atomic.Int64
	missingPrice    atomic.Int64
	missingVolume   atomic.Int64
}

func New(cfg Config, pool *httpclient.ClientPool, log zerolog.Logger) *Client {
	return &Client{
		cfg:  cfg,
		pool: pool,
		log:  log.With().Str("component", "polygon").Logger(),
	}
}

// DroppedAtSource reports how many snapshot rows were skipped for missing
// required fields since process start.
func (c *Client) DroppedAtSource() int64 {
	return c.droppedAtSource.Load()
}

// DropBreakdown splits the source-drop counter by missing field.
func (c *Client) DropBreakdown() (missingPrice, missingVolume int64) {
	return c.missingPrice.Load(), c.missingVolume.Load()
}

// Bulk snapshot wire shape.
type bulkResponse struct {
	Tickers []bulkTicker `json:"tickers"`
}

type bulkTicker struct {
	Ticker string `json:"ticker"`
	Day    struct {
		C *float64 `json:"c"`
		V *float64 `json:"v"`
		H *float64 `json:"h"`
		L *float64 `json:"l"`
		O *float64 `json:"o"`
	} `json:"day"`
	PrevDay struct {
		C *float64 `json:"c"`
		V *float64 `json:"v"`
	} `json:"prevDay"`
	TodaysChangePerc *float64 `json:"todaysChangePerc"`
	Updated          *int64   `json:"updated"` // ns since epoch of the last tape update
}

// BulkSnapshot fetches the full US stocks snapshot in exactly one request.
// Rows with missing price or volume are dropped and counted, never
// defaulted. A transport failure, non-2xx status, or malformed payload
// yields an empty map and ErrUpstreamUnavailable.
func (c *Client) BulkSnapshot(ctx context.Context) (map[string]domain.Snapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.BulkTimeout)
	defer cancel()

	var payload bulkResponse
	if err := c.getJSON(ctx, "/v2/snapshot/locale/us/markets/stocks/tickers", nil, &payload); err != nil {
		return map[string]domain.Snapshot{}, err
	}

	asOf := time.Now().UTC()
	out := make(map[string]domain.Snapshot, len(payload.Tickers))
	dropped := int64(0)
	for _, t := range payload.Tickers {
		snap, reason := t.toSnapshot(asOf)
		if reason != "" {
			dropped++
			switch reason {
			case domain.ReasonMissingPrice:
				c.missingPrice.Add(1)
			case domain.ReasonMissingVolume:
				c.missingVolume.Add(1)
			}
			continue
		}
		out[snap.Symbol] = snap
	}
	if dropped > 0 {
		c.droppedAtSource.Add(dropped)
		c.log.Debug().Int64("dropped", dropped).Int("kept", len(out)).Msg("snapshot rows skipped for missing fields")
	}
	return out, nil
}

// toSnapshot validates one wire row. A non-empty reason means the row was
// unusable; rows missing both change data and a previous close count as
// missing price because no return can be computed for them.
func (t bulkTicker) toSnapshot(asOf time.Time) (domain.Snapshot, string) {
	if t.Ticker == "" || t.Day.C == nil || *t.Day.C <= 0 {
		return domain.Snapshot{}, domain.ReasonMissingPrice
	}
	if t.Day.V == nil || *t.Day.V < 0 {
		return domain.Snapshot{}, domain.ReasonMissingVolume
	}
	if t.Updated != nil && *t.Updated > 0 {
		asOf = time.Unix(0, *t.Updated).UTC()
	}
	s := domain.Snapshot{
		Symbol: t.Ticker,
		Price:  *t.Day.C,
		Volume: *t.Day.V,
		AsOf:   asOf,
	}
	if t.Day.H != nil {
		s.High = *t.Day.H
	}
	if t.Day.L != nil {
		s.Low = *t.Day.L
	}
	if t.Day.O != nil {
		s.Open = *t.Day.O
	}
	if t.PrevDay.C != nil {
		s.PrevClose = *t.PrevDay.C
	}
	if t.PrevDay.V != nil {
		s.PrevVolume = *t.PrevDay.V
	}
	switch {
	case t.TodaysChangePerc != nil:
		s.ChangePct = *t.TodaysChangePerc
	case s.PrevClose > 0:
		s.ChangePct = 100 * (s.Price - s.PrevClose) / s.PrevClose
	default:
		return domain.Snapshot{}, domain.ReasonMissingPrice
	}
	return s, ""
}

// Aggregates wire shape.
type aggsResponse struct {
	Results []aggBar `json:"results"`
}

type aggBar struct {
	T int64   `json:"t"` // ms since epoch
	O float64 `json:"o"`
	H float64 `json:"h"`
	L float64 `json:"l"`
	C float64 `json:"c"`
	V float64 `json:"v"`
}

// HistoricalBars returns up to limit aggregates for one symbol, ascending by
// time. Empty history maps to ErrInsufficientHistory.
func (c *Client) HistoricalBars(ctx context.Context, symbol, timespan string, limit int) ([]domain.HistoricalBar, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.SymbolTimeout)
	defer cancel()

	to := time.Now().UTC()
	from := to.AddDate(0, 0, -lookbackDays(timespan, limit))
	path := fmt.Sprintf("/v2/aggs/ticker/%s/range/1/%s/%s/%s",
		url.PathEscape(symbol), url.PathEscape(timespan),
		from.Format("2006-01-02"), to.Format("2006-01-02"))

	var payload aggsResponse
	if err := c.getJSON(ctx, path, url.Values{
		"adjusted": {"true"},
		"sort":     {"asc"},
		"limit":    {fmt.Sprint(limit)},
	}, &payload); err != nil {
		return nil, err
	}
	if len(payload.Results) == 0 {
		return nil, fmt.Errorf("no bars for %s: %w", symbol, domain.ErrInsufficientHistory)
	}

	bars := make([]domain.HistoricalBar, len(payload.Results))
	for i, r := range payload.Results {
		bars[i] = domain.HistoricalBar{
			Symbol: symbol,
			Time:   time.UnixMilli(r.T).UTC(),
			Open:   r.O,
			High:   r.H,
			Low:    r.L,
			Close:  r.C,
			Volume: r.V,
		}
	}
	if len(bars) > limit {
		bars = bars[len(bars)-limit:]
	}
	return bars, nil
}

// lookbackDays pads the calendar window so weekends and holidays still leave
// enough trading bars inside it.
func lookbackDays(timespan string, limit int) int {
	switch timespan {
	case "minute", "hour":
		return 7
	default:
		return limit*2 + 7
	}
}

// PrevDay returns the previous trading day's aggregate as a Snapshot.
func (c *Client) PrevDay(ctx context.Context, symbol string) (domain.Snapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.SymbolTimeout)
	defer cancel()

	var payload aggsResponse
	path := fmt.Sprintf("/v2/aggs/ticker/%s/prev", url.PathEscape(symbol))
	if err := c.getJSON(ctx, path, url.Values{"adjusted": {"true"}}, &payload); err != nil {
		return domain.Snapshot{}, err
	}
	if len(payload.Results) == 0 {
		return domain.Snapshot{}, fmt.Errorf("no previous day for %s: %w", symbol, domain.ErrInsufficientHistory)
	}
	r := payload.Results[0]
	return domain.Snapshot{
		Symbol: symbol,
		Price:  r.C,
		Volume: r.V,
		High:   r.H,
		Low:    r.L,
		Open:   r.O,
		AsOf:   time.UnixMilli(r.T).UTC(),
	}, nil
}

// LastMinute returns the most recent minute bar as a Snapshot.
func (c *Client) LastMinute(ctx context.Context, symbol string) (domain.Snapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.SymbolTimeout)
	defer cancel()

	to := time.Now().UTC()
	from := to.Add(-24 * time.Hour)
	path := fmt.Sprintf("/v2/aggs/ticker/%s/range/1/minute/%d/%d",
		url.PathEscape(symbol), from.UnixMilli(), to.UnixMilli())

	var payload aggsResponse
	if err := c.getJSON(ctx, path, url.Values{
		"adjusted": {"true"},
		"sort":     {"desc"},
		"limit":    {"1"},
	}, &payload); err != nil {
		return domain.Snapshot{}, err
	}
	if len(payload.Results) == 0 {
		return domain.Snapshot{}, fmt.Errorf("no minute bars for %s: %w", symbol, domain.ErrInsufficientHistory)
	}
	r := payload.Results[0]
	return domain.Snapshot{
		Symbol: symbol,
		Price:  r.C,
		Volume: r.V,
		High:   r.H,
		Low:    r.L,
		Open:   r.O,
		AsOf:   time.UnixMilli(r.T).UTC(),
	}, nil
}

func (c *Client) getJSON(ctx context.Context, path string, query url.Values, dest interface{}) error {
	u, err := url.Parse(c.cfg.BaseURL + path)
	if err != nil {
		return fmt.Errorf("build url: %w", err)
	}
	if query == nil {
		query = url.Values{}
	}
	if c.cfg.APIKey != "" && !c.cfg.BearerAuth {
		query.Set("apiKey", c.cfg.APIKey)
	}
	u.RawQuery = query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if c.cfg.APIKey != "" && c.cfg.BearerAuth {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.pool.Do(ctx, req)
	if err != nil {
		return fmt.Errorf("%s: %v: %w", path, err, domain.ErrUpstreamUnavailable)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%s: HTTP %d: %w", path, resp.StatusCode, domain.ErrUpstreamUnavailable)
	}
	if err := json.NewDecoder(resp.Body).Decode(dest); err != nil {
		return fmt.Errorf("%s: decode: %v: %w", path, err, domain.ErrUpstreamUnavailable)
	}
	return nil
}
