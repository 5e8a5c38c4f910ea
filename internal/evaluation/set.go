// Package evaluation fans a piece of content out to independent raters, one
// per criterion, and folds their scores into a single weighted verdict.
package evaluation

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
)

// WeightTolerance is how far a set's weights may drift from 1.0.
const WeightTolerance = 1e-6

// Scale bounds the scores of one criteria set.
type Scale struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
	// Fallback replaces the score of a criterion whose rater failed.
	Fallback float64 `json:"fallback"`
}

// Contains reports whether score lies inside the scale.
func (s Scale) Contains(score float64) bool {
	return !math.IsNaN(score) && score >= s.Min && score <= s.Max
}

// Request is what a rater sees for one criterion.
type Request struct {
	SubjectContent  string            `json:"subjectContent"`
	CriterionKey    string            `json:"criterionKey"`
	SubjectMetadata map[string]string `json:"subjectMetadata,omitempty"`
	// CriterionPrompt and Scale are not part of the wire request; model raters
	// fold them into their instructions.
	CriterionPrompt string `json:"-"`
	Scale           Scale  `json:"-"`
}

// Response is a rater's verdict.
type Response struct {
	Score     float64 `json:"score"`
	Rationale string  `json:"rationale"`
}

// Evaluator rates content against one criterion.
type Evaluator interface {
	Evaluate(ctx context.Context, req Request) (Response, error)
}

// EvaluatorFunc adapts a function to Evaluator.
type EvaluatorFunc func(ctx context.Context, req Request) (Response, error)

// Evaluate implements Evaluator.
func (f EvaluatorFunc) Evaluate(ctx context.Context, req Request) (Response, error) {
	return f(ctx, req)
}

// Criterion is one weighted dimension of a set.
type Criterion struct {
	Key    string
	Weight float64
	Prompt string
	// EvaluatorID names the rater in results, e.g. "model" or a plugin ID.
	EvaluatorID string
	Evaluator   Evaluator
}

// Set is a validated criteria set.
type Set struct {
	ID       string
	Scale    Scale
	Criteria []Criterion
	Tiers    TierTable
}

// NewSet validates criteria and tiers. Weights must sum to 1.0.
func NewSet(id string, scale Scale, criteria []Criterion, tiers []Tier) (*Set, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, fmt.Errorf("evaluation: set id is required")
	}
	if scale.Max <= scale.Min {
		return nil, fmt.Errorf("evaluation: set %s: scale max must exceed min", id)
	}
	if !scale.Contains(scale.Fallback) {
		return nil, fmt.Errorf("evaluation: set %s: fallback %.2f outside scale", id, scale.Fallback)
	}
	if len(criteria) == 0 {
		return nil, fmt.Errorf("evaluation: set %s: at least one criterion is required", id)
	}
	seen := make(map[string]struct{}, len(criteria))
	sum := 0.0
	out := make([]Criterion, 0, len(criteria))
	for _, c := range criteria {
		c.Key = strings.TrimSpace(c.Key)
		if c.Key == "" {
			return nil, fmt.Errorf("evaluation: set %s: criterion key is required", id)
		}
		if _, dup := seen[c.Key]; dup {
			return nil, fmt.Errorf("evaluation: set %s: criterion %s listed twice", id, c.Key)
		}
		seen[c.Key] = struct{}{}
		if c.Weight < 0 || math.IsNaN(c.Weight) {
			return nil, fmt.Errorf("evaluation: set %s: criterion %s has invalid weight %v", id, c.Key, c.Weight)
		}
		if c.Evaluator == nil {
			return nil, fmt.Errorf("evaluation: set %s: criterion %s has no evaluator", id, c.Key)
		}
		sum += c.Weight
		out = append(out, c)
	}
	if math.Abs(sum-1.0) > WeightTolerance {
		return nil, fmt.Errorf("evaluation: set %s: weights sum to %.6f, want 1.0", id, sum)
	}
	table, err := NewTierTable(tiers)
	if err != nil {
		return nil, fmt.Errorf("evaluation: set %s: %w", id, err)
	}
	return &Set{ID: id, Scale: scale, Criteria: out, Tiers: table}, nil
}

// Keys returns criterion keys in declaration order.
func (s *Set) Keys() []string {
	keys := make([]string, 0, len(s.Criteria))
	for _, c := range s.Criteria {
		keys = append(keys, c.Key)
	}
	return keys
}

// Tier is a named score band with an inclusive lower bound.
type Tier struct {
	Name      string  `json:"name"`
	Threshold float64 `json:"threshold"`
}

// TierTable resolves scores to tiers, highest threshold first.
type TierTable struct {
	tiers []Tier
}

// NewTierTable sorts tiers by descending threshold.
func NewTierTable(tiers []Tier) (TierTable, error) {
	if len(tiers) == 0 {
		return TierTable{}, fmt.Errorf("at least one tier is required")
	}
	sorted := make([]Tier, 0, len(tiers))
	names := make(map[string]struct{}, len(tiers))
	for _, t := range tiers {
		t.Name = strings.TrimSpace(t.Name)
		if t.Name == "" {
			return TierTable{}, fmt.Errorf("tier name is required")
		}
		if _, dup := names[t.Name]; dup {
			return TierTable{}, fmt.Errorf("tier %s listed twice", t.Name)
		}
		names[t.Name] = struct{}{}
		sorted = append(sorted, t)
	}
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Threshold > sorted[j].Threshold })
	return TierTable{tiers: sorted}, nil
}

// Resolve returns the first tier whose threshold score reaches. Scores below
// every threshold resolve to the lowest tier.
func (t TierTable) Resolve(score float64) string {
	if len(t.tiers) == 0 {
		return ""
	}
	for _, tier := range t.tiers {
		if score >= tier.Threshold {
			return tier.Name
		}
	}
	return t.tiers[len(t.tiers)-1].Name
}

// Tiers returns the tiers, highest first.
func (t TierTable) Tiers() []Tier {
	return append([]Tier(nil), t.tiers...)
}

// Subject is the content being rated.
type Subject struct {
	ID       string            `json:"id"`
	Content  string            `json:"content"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// CriterionResult is the settled outcome of one criterion.
type CriterionResult struct {
	CriterionKey string  `json:"criterion_key"`
	Score        float64 `json:"score"`
	Rationale    string  `json:"rationale,omitempty"`
	EvaluatorID  string  `json:"evaluator_id"`
	Failed       bool    `json:"failed"`
	Error        string  `json:"error,omitempty"`
}

// Evaluation is the aggregated verdict. It is not modified once built.
type Evaluation struct {
	SubjectID    string                     `json:"subject_id"`
	SetID        string                     `json:"set_id"`
	Criteria     map[string]CriterionResult `json:"criteria"`
	OverallScore float64                    `json:"overall_score"`
	Tier         string                     `json:"tier"`
	Degraded     bool                       `json:"degraded"`
	CreatedAt    time.Time                  `json:"created_at"`
}
