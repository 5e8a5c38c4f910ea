package evaluation

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/kingrea/council/internal/provider"
)

// Completer is the single-shot part of provider.Client.
type Completer interface {
	Complete(ctx context.Context, messages []provider.ChatMessage) (string, error)
}

// ModelEvaluator asks the model endpoint to rate one criterion and reply with
// a single JSON document.
type ModelEvaluator struct {
	client Completer
	// instructions replaces the default rater preamble when set.
	instructions string
}

// NewModelEvaluator builds a model-backed rater.
func NewModelEvaluator(client Completer, instructions string) (*ModelEvaluator, error) {
	if client == nil {
		return nil, fmt.Errorf("evaluation: model evaluator requires a client")
	}
	return &ModelEvaluator{client: client, instructions: strings.TrimSpace(instructions)}, nil
}

// ModelFactory returns a Factory for KindModel bound to client.
func ModelFactory(client Completer) Factory {
	return func(spec Spec) (Evaluator, error) {
		return NewModelEvaluator(client, optionString(spec.Options, "instructions"))
	}
}

// Evaluate implements Evaluator.
func (m *ModelEvaluator) Evaluate(ctx context.Context, req Request) (Response, error) {
	reply, err := m.client.Complete(ctx, []provider.ChatMessage{
		{Role: provider.RoleSystem, Content: m.systemPrompt(req)},
		{Role: provider.RoleUser, Content: userPrompt(req)},
	})
	if err != nil {
		return Response{}, err
	}
	return ParseResponse(reply)
}

func (m *ModelEvaluator) systemPrompt(req Request) string {
	var b strings.Builder
	if m.instructions != "" {
		b.WriteString(m.instructions)
	} else {
		b.WriteString("You are a strict, fair reviewer scoring one aspect of a product idea.")
	}
	fmt.Fprintf(&b, "\nCriterion: %s", req.CriterionKey)
	if prompt := strings.TrimSpace(req.CriterionPrompt); prompt != "" {
		fmt.Fprintf(&b, "\n%s", prompt)
	}
	fmt.Fprintf(&b, "\nScore from %s to %s.", formatScore(req.Scale.Min), formatScore(req.Scale.Max))
	b.WriteString("\nReply with only a JSON object: {\"score\": <number>, \"rationale\": \"<one or two sentences>\"}")
	return b.String()
}

func userPrompt(req Request) string {
	if len(req.SubjectMetadata) == 0 {
		return req.SubjectContent
	}
	keys := make([]string, 0, len(req.SubjectMetadata))
	for k := range req.SubjectMetadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "%s: %s\n", k, req.SubjectMetadata[k])
	}
	b.WriteString("\n")
	b.WriteString(req.SubjectContent)
	return b.String()
}

// ParseResponse reads {"score", "rationale"} from a completion, tolerating
// prose or code fences around the first JSON object. Scores given as numeric
// strings are accepted.
func ParseResponse(reply string) (Response, error) {
	raw := extractJSONObject(reply)
	if raw == "" {
		return Response{}, fmt.Errorf("%w: no JSON object in reply", ErrMalformedScore)
	}
	var decoded struct {
		Score     json.RawMessage `json:"score"`
		Rationale string          `json:"rationale"`
	}
	if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
		return Response{}, fmt.Errorf("%w: %v", ErrMalformedScore, err)
	}
	score, err := parseScore(decoded.Score)
	if err != nil {
		return Response{}, err
	}
	return Response{Score: score, Rationale: strings.TrimSpace(decoded.Rationale)}, nil
}

func parseScore(raw json.RawMessage) (float64, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return 0, fmt.Errorf("%w: score missing", ErrMalformedScore)
	}
	var number float64
	if err := json.Unmarshal(raw, &number); err == nil {
		return number, nil
	}
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		parsed, perr := strconv.ParseFloat(strings.TrimSpace(text), 64)
		if perr == nil {
			return parsed, nil
		}
	}
	return 0, fmt.Errorf("%w: score %s is not a number", ErrMalformedScore, string(raw))
}

// extractJSONObject returns the outermost {...} span of raw, or "".
func extractJSONObject(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if strings.HasPrefix(trimmed, "{") && strings.HasSuffix(trimmed, "}") {
		return trimmed
	}
	start := strings.Index(trimmed, "{")
	end := strings.LastIndex(trimmed, "}")
	if start < 0 || end <= start {
		return ""
	}
	return strings.TrimSpace(trimmed[start : end+1])
}

func formatScore(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func optionString(opts map[string]any, key string) string {
	if opts == nil {
		return ""
	}
	if v, ok := opts[key].(string); ok {
		return v
	}
	return ""
}
