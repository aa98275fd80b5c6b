package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"

	"github.com/sawpanic/stockrun/internal/domain"
	"github.com/sawpanic/stockrun/internal/trace"
)

const (
	contendersKeyPrefix = "discovery/contenders/latest/"
	explainKeyPrefix    = "discovery/explain/latest/"
	statusKey           = "discovery/status"
)

// Publisher writes the result triple under strategy-scoped keys. All three
// values carry the same TTL; the status key is written last so health views
// never point at data that is not there yet.
type Publisher struct {
	client *goredis.Client
	ttl    time.Duration
	log    zerolog.Logger
}

func NewPublisher(client *goredis.Client, ttl time.Duration, log zerolog.Logger) *Publisher {
	return &Publisher{
		client: client,
		ttl:    ttl,
		log:    log.With().Str("component", "publisher").Logger(),
	}
}

// contendersDoc is the candidate list with its run stats. Empty runs still
// publish this shape so dashboards see the reason, never silence.
type contendersDoc struct {
	Strategy   string             `json:"strategy"`
	Timestamp  time.Time          `json:"ts"`
	Candidates []domain.Candidate `json:"candidates"`
	Stats      domain.RunStats    `json:"stats"`
}

// explainDoc is the per-stage elimination story for the explain views.
type explainDoc struct {
	Strategy  string         `json:"strategy"`
	Count     int            `json:"count"`
	Timestamp time.Time      `json:"ts"`
	Trace     trace.Snapshot `json:"trace"`
}

type statusDoc struct {
	Count    int       `json:"count"`
	TS       time.Time `json:"ts"`
	Strategy string    `json:"strategy"`
}

// Publish writes contenders, explanation, and status. Last writer wins;
// readers observe a coherent triple because the writes land well inside the
// previous set's TTL.
func (p *Publisher) Publish(ctx context.Context, result domain.RunResult) error {
	candidates := result.Candidates
	if candidates == nil {
		candidates = []domain.Candidate{}
	}

	contenders, err := json.Marshal(contendersDoc{
		Strategy:   result.Strategy,
		Timestamp:  result.Timestamp,
		Candidates: candidates,
		Stats:      result.Stats,
	})
	if err != nil {
		return fmt.Errorf("marshal contenders: %w", err)
	}

	explain, err := json.Marshal(explainDoc{
		Strategy:  result.Strategy,
		Count:     len(candidates),
		Timestamp: result.Timestamp,
		Trace:     result.Trace,
	})
	if err != nil {
		return fmt.Errorf("marshal explain: %w", err)
	}

	status, err := json.Marshal(statusDoc{
		Count:    len(candidates),
		TS:       result.Timestamp,
		Strategy: result.Strategy,
	})
	if err != nil {
		return fmt.Errorf("marshal status: %w", err)
	}

	if err := p.client.Set(ctx, contendersKeyPrefix+result.Strategy, contenders, p.ttl).Err(); err != nil {
		return fmt.Errorf("publish contenders: %w", err)
	}
	if err := p.client.Set(ctx, explainKeyPrefix+result.Strategy, explain, p.ttl).Err(); err != nil {
		return fmt.Errorf("publish explain: %w", err)
	}
	if err := p.client.Set(ctx, statusKey, status, p.ttl).Err(); err != nil {
		return fmt.Errorf("publish status: %w", err)
	}

	p.log.Info().Str("strategy", result.Strategy).Int("candidates", len(candidates)).
		Str("reason", result.Stats.Reason).Msg("published result triple")
	return nil
}
