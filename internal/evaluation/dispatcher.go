package evaluation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"
)

// DefaultCriterionTimeout bounds each rater call.
const DefaultCriterionTimeout = 30 * time.Second

var (
	// ErrMalformedScore marks a rater reply that could not be read as a score.
	ErrMalformedScore = errors.New("evaluation: malformed score")
	// ErrScoreOutOfRange marks a score outside the set's scale.
	ErrScoreOutOfRange = fmt.Errorf("%w: out of range", ErrMalformedScore)
)

// Logger matches logging.Logger.
type Logger interface {
	Printf(format string, args ...any)
}

// Dispatcher runs every criterion of a set concurrently.
type Dispatcher struct {
	timeout time.Duration
	logger  Logger
	now     func() time.Time
}

// DispatcherOption customizes a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithCriterionTimeout overrides DefaultCriterionTimeout.
func WithCriterionTimeout(d time.Duration) DispatcherOption {
	return func(disp *Dispatcher) {
		if d > 0 {
			disp.timeout = d
		}
	}
}

// WithDispatcherLogger injects a logger.
func WithDispatcherLogger(l Logger) DispatcherOption {
	return func(disp *Dispatcher) {
		if l != nil {
			disp.logger = l
		}
	}
}

// WithClock overrides the clock used for CreatedAt.
func WithClock(clock func() time.Time) DispatcherOption {
	return func(disp *Dispatcher) {
		if clock != nil {
			disp.now = clock
		}
	}
}

// NewDispatcher builds a dispatcher.
func NewDispatcher(opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		timeout: DefaultCriterionTimeout,
		logger:  nopLogger{},
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	return d
}

// Evaluate dispatches every criterion and waits for all of them to settle.
// It never fails: a rater that errors, times out, replies with garbage, or
// scores outside the scale yields a failed result carrying the set's
// fallback score. One criterion's failure never affects another's result.
func (d *Dispatcher) Evaluate(ctx context.Context, subject Subject, set *Set) map[string]CriterionResult {
	if set == nil {
		return map[string]CriterionResult{}
	}
	results := make([]CriterionResult, len(set.Criteria))
	var g errgroup.Group
	for i, criterion := range set.Criteria {
		i, criterion := i, criterion
		g.Go(func() error {
			results[i] = d.rate(ctx, subject, set.Scale, criterion)
			return nil
		})
	}
	_ = g.Wait()

	out := make(map[string]CriterionResult, len(results))
	for _, r := range results {
		out[r.CriterionKey] = r
	}
	return out
}

// Run evaluates subject and aggregates the results into an Evaluation.
func (d *Dispatcher) Run(ctx context.Context, subject Subject, set *Set) (Evaluation, error) {
	if set == nil {
		return Evaluation{}, fmt.Errorf("evaluation: criteria set is required")
	}
	results := d.Evaluate(ctx, subject, set)
	overall, degraded := Aggregate(set, results)
	eval := Evaluation{
		SubjectID:    subject.ID,
		SetID:        set.ID,
		Criteria:     results,
		OverallScore: overall,
		Tier:         set.Tiers.Resolve(overall),
		Degraded:     degraded,
		CreatedAt:    d.now(),
	}
	d.logger.Printf("evaluation: %s on %s scored %.2f (%s, degraded=%t)", subject.ID, set.ID, overall, eval.Tier, degraded)
	return eval, nil
}

type rated struct {
	resp Response
	err  error
}

func (d *Dispatcher) rate(ctx context.Context, subject Subject, scale Scale, criterion Criterion) CriterionResult {
	result := CriterionResult{CriterionKey: criterion.Key, EvaluatorID: criterion.EvaluatorID}
	fail := func(err error) CriterionResult {
		d.logger.Printf("evaluation: criterion %s for %s failed: %v", criterion.Key, subject.ID, err)
		result.Failed = true
		result.Score = scale.Fallback
		result.Error = err.Error()
		return result
	}

	callCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	// Buffered so a rater that ignores its context can still finish and exit.
	done := make(chan rated, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- rated{err: fmt.Errorf("evaluator panic: %v", r)}
			}
		}()
		resp, err := criterion.Evaluator.Evaluate(callCtx, Request{
			SubjectContent:  subject.Content,
			CriterionKey:    criterion.Key,
			SubjectMetadata: subject.Metadata,
			CriterionPrompt: criterion.Prompt,
			Scale:           scale,
		})
		done <- rated{resp: resp, err: err}
	}()

	var out rated
	select {
	case out = <-done:
	case <-callCtx.Done():
		return fail(fmt.Errorf("evaluation: criterion %s: %w", criterion.Key, callCtx.Err()))
	}
	if out.err != nil {
		return fail(out.err)
	}
	if !scale.Contains(out.resp.Score) {
		return fail(fmt.Errorf("%w: %v not in [%v, %v]", ErrScoreOutOfRange, out.resp.Score, scale.Min, scale.Max))
	}
	result.Score = out.resp.Score
	result.Rationale = out.resp.Rationale
	return result
}

// Aggregate computes the weighted overall score. Failed or missing criteria
// contribute the set's fallback score at full weight; degraded reports
// whether any did.
func Aggregate(set *Set, results map[string]CriterionResult) (overall float64, degraded bool) {
	for _, c := range set.Criteria {
		score := set.Scale.Fallback
		r, ok := results[c.Key]
		switch {
		case !ok || r.Failed:
			degraded = true
		default:
			score = r.Score
		}
		overall += score * c.Weight
	}
	return overall, degraded
}

type nopLogger struct{}

func (nopLogger) Printf(string, ...any) {}
