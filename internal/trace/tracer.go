package trace

import (
	"time"
)

// MaxSamplesPerStage caps the rejection samples retained per stage. The
// histogram keeps full counts; samples exist for diagnostics only.
const MaxSamplesPerStage = 25

// Rejection records one symbol eliminated at a stage.
type Rejection struct {
	Symbol  string `json:"symbol"`
	Reason  string `json:"reason"`
	Details string `json:"details,omitempty"`
}

// Stage is the observed funnel for a single pipeline stage.
type Stage struct {
	Name       string         `json:"name"`
	InCount    int            `json:"in_count"`
	OutCount   int            `json:"out_count"`
	Rejections map[string]int `json:"rejections,omitempty"`
	Samples    []Rejection    `json:"samples,omitempty"`
	ElapsedMS  int64          `json:"elapsed_ms"`

	startedAt time.Time
}

// Snapshot is the immutable trace embedded in a published run result.
type Snapshot struct {
	Stages      []Stage   `json:"stages"`
	GeneratedAt time.Time `json:"generated_at"`
}

// Tracer accumulates stage observations for one discovery run. It is owned
// by the orchestrator goroutine for the run's duration and is append-only:
// stages are recorded in execution order and never revised.
type Tracer struct {
	stages []Stage
	now    func() time.Time
}

func New() *Tracer {
	return &Tracer{now: time.Now}
}

// Enter opens a stage observation with the incoming symbol count.
func (t *Tracer) Enter(name string, in int) {
	t.stages = append(t.stages, Stage{
		Name:      name,
		InCount:   in,
		startedAt: t.now(),
	})
}

// Exit closes the most recently entered stage, recording the kept count and
// folding rejections into the reason histogram. Up to MaxSamplesPerStage
// sample records are retained.
func (t *Tracer) Exit(name string, kept int, rejected []Rejection) {
	for i := len(t.stages) - 1; i >= 0; i-- {
		if t.stages[i].Name != name {
			continue
		}
		st := &t.stages[i]
		st.OutCount = kept
		st.ElapsedMS = t.now().Sub(st.startedAt).Milliseconds()
		if len(rejected) > 0 && st.Rejections == nil {
			st.Rejections = make(map[string]int, 4)
		}
		for _, r := range rejected {
			st.Rejections[r.Reason]++
			if len(st.Samples) < MaxSamplesPerStage {
				st.Samples = append(st.Samples, r)
			}
		}
		return
	}
}

// ExitHistogram closes a stage with reason counts only, for stages whose
// producer reports drop tallies without per-symbol records. Zero counts are
// elided so conservation still holds.
func (t *Tracer) ExitHistogram(name string, kept int, reasons map[string]int) {
	for i := len(t.stages) - 1; i >= 0; i-- {
		if t.stages[i].Name != name {
			continue
		}
		st := &t.stages[i]
		st.OutCount = kept
		st.ElapsedMS = t.now().Sub(st.startedAt).Milliseconds()
		for reason, n := range reasons {
			if n <= 0 {
				continue
			}
			if st.Rejections == nil {
				st.Rejections = make(map[string]int, len(reasons))
			}
			st.Rejections[reason] += n
		}
		return
	}
}

// Snapshot copies the accumulated stages into an immutable value safe to
// publish after the run completes.
func (t *Tracer) Snapshot() Snapshot {
	out := Snapshot{
		Stages:      make([]Stage, len(t.stages)),
		GeneratedAt: t.now(),
	}
	copy(out.Stages, t.stages)
	for i := range out.Stages {
		if src := t.stages[i].Rejections; src != nil {
			dst := make(map[string]int, len(src))
			for k, v := range src {
				dst[k] = v
			}
			out.Stages[i].Rejections = dst
		}
		if src := t.stages[i].Samples; src != nil {
			dst := make([]Rejection, len(src))
			copy(dst, src)
			out.Stages[i].Samples = dst
		}
	}
	return out
}

// LastEliminator names the deepest stage whose rejections removed the final
// survivors. Empty result lists are published with this so dashboards can
// say which gate ended the run.
func (s Snapshot) LastEliminator() string {
	for i := len(s.Stages) - 1; i >= 0; i-- {
		if s.Stages[i].OutCount == 0 && s.Stages[i].InCount > 0 {
			return s.Stages[i].Name
		}
	}
	return ""
}

// TotalRejections sums the reason histogram for one stage.
func (st Stage) TotalRejections() int {
	n := 0
	for _, c := range st.Rejections {
		n += c
	}
	return n
}
