package evaluation

import (
	"context"
	"errors"
	"math"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kingrea/council/internal/provider"
)

var ideaTiers = []Tier{
	{Name: "common", Threshold: 0},
	{Name: "rare", Threshold: 6.5},
	{Name: "epic", Threshold: 8},
	{Name: "legendary", Threshold: 9},
}

func fixed(score float64, rationale string) Evaluator {
	return EvaluatorFunc(func(context.Context, Request) (Response, error) {
		return Response{Score: score, Rationale: rationale}, nil
	})
}

// completerFunc stands in for the model client.
type completerFunc func(ctx context.Context, msgs []provider.ChatMessage) (string, error)

func (f completerFunc) Complete(ctx context.Context, msgs []provider.ChatMessage) (string, error) {
	return f(ctx, msgs)
}

func replying(reply string) Evaluator {
	eval, _ := NewModelEvaluator(completerFunc(func(context.Context, []provider.ChatMessage) (string, error) {
		return reply, nil
	}), "")
	return eval
}

func ideaSet(t *testing.T, toxic Evaluator) *Set {
	t.Helper()
	set, err := NewSet("idea", Scale{Min: 1, Max: 10, Fallback: 5}, []Criterion{
		{Key: "originality", Weight: 0.2, Evaluator: fixed(8, "fresh")},
		{Key: "feasibility", Weight: 0.2, Evaluator: fixed(7, "doable")},
		{Key: "market", Weight: 0.15, Evaluator: fixed(6, "crowded")},
		{Key: "clarity", Weight: 0.15, Evaluator: fixed(9, "clear")},
		{Key: "impact", Weight: 0.1, Evaluator: fixed(5, "modest")},
		{Key: "monetization", Weight: 0.1, Evaluator: fixed(7, "subscriptions")},
		{Key: "toxic", Weight: 0.1, Evaluator: toxic},
	}, ideaTiers)
	if err != nil {
		t.Fatalf("new set: %v", err)
	}
	return set
}

func TestEvaluateFallsBackForMalformedCriterion(t *testing.T) {
	set := ideaSet(t, replying("I think this is fine {score: nine"))
	eval, err := NewDispatcher().Run(context.Background(), Subject{ID: "idea-1", Content: "Budget app"}, set)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(eval.Criteria) != 7 {
		t.Fatalf("criteria = %d, want 7", len(eval.Criteria))
	}
	toxic := eval.Criteria["toxic"]
	if !toxic.Failed || toxic.Score != 5 || toxic.Error == "" {
		t.Fatalf("toxic = %+v", toxic)
	}
	if eval.Criteria["clarity"].Failed || eval.Criteria["clarity"].Rationale != "clear" {
		t.Fatalf("clarity should be unaffected: %+v", eval.Criteria["clarity"])
	}
	// 8*.2 + 7*.2 + 6*.15 + 9*.15 + 5*.1 + 7*.1 + 5*.1
	want := 1.6 + 1.4 + 0.9 + 1.35 + 0.5 + 0.7 + 0.5
	if math.Abs(eval.OverallScore-want) > 1e-9 {
		t.Fatalf("overall = %v, want %v", eval.OverallScore, want)
	}
	if !eval.Degraded {
		t.Fatalf("expected degraded evaluation")
	}
	if eval.Tier != "rare" {
		t.Fatalf("tier = %s, want rare", eval.Tier)
	}
}

func TestEvaluateIsolatesErrorsTimeoutsAndRange(t *testing.T) {
	var calls int32
	set, err := NewSet("mixed", Scale{Min: 0, Max: 100, Fallback: 50}, []Criterion{
		{Key: "ok", Weight: 0.25, Evaluator: fixed(80, "good")},
		{Key: "boom", Weight: 0.25, Evaluator: EvaluatorFunc(func(context.Context, Request) (Response, error) {
			atomic.AddInt32(&calls, 1)
			return Response{}, provider.ErrTransientGateway
		})},
		{Key: "slow", Weight: 0.25, Evaluator: EvaluatorFunc(func(ctx context.Context, _ Request) (Response, error) {
			<-ctx.Done()
			return Response{}, ctx.Err()
		})},
		{Key: "wild", Weight: 0.25, Evaluator: fixed(140, "too high")},
	}, []Tier{{Name: "common", Threshold: 0}})
	if err != nil {
		t.Fatalf("new set: %v", err)
	}
	results := NewDispatcher(WithCriterionTimeout(20*time.Millisecond)).Evaluate(context.Background(), Subject{ID: "s"}, set)
	if results["ok"].Failed || results["ok"].Score != 80 {
		t.Fatalf("ok = %+v", results["ok"])
	}
	for _, key := range []string{"boom", "slow", "wild"} {
		if r := results[key]; !r.Failed || r.Score != 50 {
			t.Fatalf("%s = %+v, want failed fallback", key, r)
		}
	}
	if !strings.Contains(results["wild"].Error, "out of range") {
		t.Fatalf("wild error = %q", results["wild"].Error)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("failing rater should be called exactly once")
	}
}

func TestEvaluateRecoversEvaluatorPanic(t *testing.T) {
	set, err := NewSet("p", Scale{Min: 0, Max: 10, Fallback: 5}, []Criterion{
		{Key: "a", Weight: 0.5, Evaluator: fixed(10, "")},
		{Key: "b", Weight: 0.5, Evaluator: EvaluatorFunc(func(context.Context, Request) (Response, error) {
			panic("rater exploded")
		})},
	}, []Tier{{Name: "common", Threshold: 0}})
	if err != nil {
		t.Fatalf("new set: %v", err)
	}
	results := NewDispatcher().Evaluate(context.Background(), Subject{}, set)
	if !results["b"].Failed || results["a"].Failed {
		t.Fatalf("unexpected results %+v", results)
	}
}

func TestEvaluateRunsCriteriaConcurrently(t *testing.T) {
	release := make(chan struct{})
	var started int32
	wait := EvaluatorFunc(func(ctx context.Context, _ Request) (Response, error) {
		if atomic.AddInt32(&started, 1) == 3 {
			close(release)
		}
		select {
		case <-release:
			return Response{Score: 1}, nil
		case <-ctx.Done():
			return Response{}, ctx.Err()
		}
	})
	set, err := NewSet("c", Scale{Min: 0, Max: 1, Fallback: 0}, []Criterion{
		{Key: "a", Weight: 0.4, Evaluator: wait},
		{Key: "b", Weight: 0.3, Evaluator: wait},
		{Key: "c", Weight: 0.3, Evaluator: wait},
	}, []Tier{{Name: "common", Threshold: 0}})
	if err != nil {
		t.Fatalf("new set: %v", err)
	}
	results := NewDispatcher(WithCriterionTimeout(5*time.Second)).Evaluate(context.Background(), Subject{}, set)
	for key, r := range results {
		if r.Failed {
			t.Fatalf("%s failed: criteria were not dispatched together", key)
		}
	}
}

func TestAggregateIsWeightedSum(t *testing.T) {
	set, err := NewSet("r", Scale{Min: 0, Max: 100, Fallback: 50}, []Criterion{
		{Key: "evidence", Weight: 0.4, Evaluator: fixed(0, "")},
		{Key: "novelty", Weight: 0.3, Evaluator: fixed(0, "")},
		{Key: "rigor", Weight: 0.3, Evaluator: fixed(0, "")},
	}, []Tier{{Name: "common", Threshold: 0}})
	if err != nil {
		t.Fatalf("new set: %v", err)
	}
	overall, degraded := Aggregate(set, map[string]CriterionResult{
		"evidence": {CriterionKey: "evidence", Score: 90},
		"novelty":  {CriterionKey: "novelty", Score: 70},
	})
	want := 90*0.4 + 70*0.3 + 50*0.3
	if math.Abs(overall-want) > 1e-9 || !degraded {
		t.Fatalf("overall = %v degraded = %t, want %v true", overall, degraded, want)
	}
}

func TestNewSetRejectsBadWeights(t *testing.T) {
	tiers := []Tier{{Name: "common", Threshold: 0}}
	_, err := NewSet("w", Scale{Min: 0, Max: 10, Fallback: 5}, []Criterion{
		{Key: "a", Weight: 0.5, Evaluator: fixed(1, "")},
		{Key: "b", Weight: 0.4, Evaluator: fixed(1, "")},
	}, tiers)
	if err == nil {
		t.Fatalf("expected weight sum error")
	}
	_, err = NewSet("w", Scale{Min: 0, Max: 10, Fallback: 50}, []Criterion{
		{Key: "a", Weight: 1, Evaluator: fixed(1, "")},
	}, tiers)
	if err == nil {
		t.Fatalf("expected fallback range error")
	}
	_, err = NewSet("w", Scale{Min: 0, Max: 10, Fallback: 5}, []Criterion{
		{Key: "a", Weight: 1},
	}, tiers)
	if err == nil {
		t.Fatalf("expected missing evaluator error")
	}
}

func TestTierResolveInclusiveDescending(t *testing.T) {
	table, err := NewTierTable([]Tier{
		{Name: "common", Threshold: 0},
		{Name: "epic", Threshold: 80},
		{Name: "legendary", Threshold: 90},
		{Name: "rare", Threshold: 65},
	})
	if err != nil {
		t.Fatalf("tier table: %v", err)
	}
	cases := map[float64]string{
		90:    "legendary",
		89.99: "epic",
		80:    "epic",
		65:    "rare",
		64.9:  "common",
		0:     "common",
		-3:    "common",
		100:   "legendary",
	}
	for score, want := range cases {
		if got := table.Resolve(score); got != want {
			t.Fatalf("Resolve(%v) = %s, want %s", score, got, want)
		}
	}
}

func TestParseResponseToleratesProse(t *testing.T) {
	resp, err := ParseResponse("Sure! ```json\n{\"score\": \"7.5\", \"rationale\": \" Solid. \"}\n```")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if resp.Score != 7.5 || resp.Rationale != "Solid." {
		t.Fatalf("unexpected response %+v", resp)
	}
	if _, err := ParseResponse(`{"rationale":"no score"}`); !errors.Is(err, ErrMalformedScore) {
		t.Fatalf("expected ErrMalformedScore, got %v", err)
	}
	if _, err := ParseResponse("no json here"); !errors.Is(err, ErrMalformedScore) {
		t.Fatalf("expected ErrMalformedScore, got %v", err)
	}
}

func TestModelEvaluatorPromptsWithCriterion(t *testing.T) {
	var seen []provider.ChatMessage
	eval, err := NewModelEvaluator(completerFunc(func(_ context.Context, msgs []provider.ChatMessage) (string, error) {
		seen = msgs
		return `{"score": 8, "rationale": "ok"}`, nil
	}), "")
	if err != nil {
		t.Fatalf("new evaluator: %v", err)
	}
	resp, err := eval.Evaluate(context.Background(), Request{
		SubjectContent:  "Budget app",
		CriterionKey:    "clarity",
		CriterionPrompt: "How clear is the pitch?",
		SubjectMetadata: map[string]string{"stage": "seed"},
		Scale:           Scale{Min: 1, Max: 10},
	})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if resp.Score != 8 {
		t.Fatalf("score = %v", resp.Score)
	}
	if !strings.Contains(seen[0].Content, "clarity") || !strings.Contains(seen[0].Content, "from 1 to 10") {
		t.Fatalf("system prompt = %q", seen[0].Content)
	}
	if !strings.Contains(seen[1].Content, "stage: seed") || !strings.HasSuffix(seen[1].Content, "Budget app") {
		t.Fatalf("user prompt = %q", seen[1].Content)
	}
}

func TestRegistryResolvesKinds(t *testing.T) {
	reg := NewRegistry()
	reg.MustRegister(KindModel, ModelFactory(completerFunc(func(context.Context, []provider.ChatMessage) (string, error) {
		return `{"score":3}`, nil
	})))
	if err := reg.Register(KindModel, ModelFactory(nil)); err == nil {
		t.Fatalf("expected duplicate kind error")
	}
	eval, err := reg.Resolve(Spec{CriterionKey: "x"})
	if err != nil {
		t.Fatalf("resolve default kind: %v", err)
	}
	if resp, err := eval.Evaluate(context.Background(), Request{}); err != nil || resp.Score != 3 {
		t.Fatalf("evaluate = %+v, %v", resp, err)
	}
	if _, err := reg.Resolve(Spec{Kind: "nope"}); err == nil {
		t.Fatalf("expected unknown kind error")
	}
	if got := reg.Kinds(); len(got) != 1 || got[0] != KindModel {
		t.Fatalf("kinds = %v", got)
	}
}
