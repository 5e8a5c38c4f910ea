package plugins

import (
	"context"
	"fmt"
	"os"
	"reflect"
	"strings"
	"sync"

	"github.com/kingrea/council/internal/evaluation"
	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"
)

const rateFuncName = "Rate"

// ScriptRater is a rater written in Go and interpreted with yaegi. The script
// is a main package exposing
//
//	func Rate(subject, criterion string, meta map[string]string) (float64, string, error)
type ScriptRater struct {
	path string
	mu   sync.Mutex
	fn   reflect.Value
}

// LoadScriptRater interprets the script at path.
func LoadScriptRater(path string) (*ScriptRater, error) {
	code, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("plugin: read %s: %w", path, err)
	}
	if len(strings.TrimSpace(string(code))) == 0 {
		return nil, fmt.Errorf("plugin: %s is empty", path)
	}
	i := interp.New(interp.Options{})
	i.Use(stdlib.Symbols)
	if _, err := i.EvalPath(path); err != nil {
		return nil, fmt.Errorf("plugin: interpret %s: %w", path, err)
	}
	fn, err := i.Eval(rateFuncName)
	if err != nil {
		return nil, fmt.Errorf("plugin: %s must define %s(subject, criterion string, meta map[string]string) (float64, string, error): %w", path, rateFuncName, err)
	}
	if !fn.IsValid() || fn.Kind() != reflect.Func {
		return nil, fmt.Errorf("plugin: %s: %s is not a function", path, rateFuncName)
	}
	if fn.Type().NumIn() != 3 || fn.Type().NumOut() != 3 {
		return nil, fmt.Errorf("plugin: %s: %s must take 3 arguments and return 3 values", path, rateFuncName)
	}
	return &ScriptRater{path: path, fn: fn}, nil
}

// Path returns the script location.
func (s *ScriptRater) Path() string {
	return s.path
}

// Evaluate implements evaluation.Evaluator. Interpreted code cannot be
// interrupted; the dispatcher's timeout abandons slow scripts instead.
func (s *ScriptRater) Evaluate(ctx context.Context, req evaluation.Request) (evaluation.Response, error) {
	if err := ctx.Err(); err != nil {
		return evaluation.Response{}, err
	}
	meta := req.SubjectMetadata
	if meta == nil {
		meta = map[string]string{}
	}
	results, err := s.call(req.SubjectContent, req.CriterionKey, meta)
	if err != nil {
		return evaluation.Response{}, err
	}
	return decodeRateResults(s.path, results)
}

// call runs Rate under the rater's lock. A panic in the script is returned
// as an error and leaves the rater usable.
func (s *ScriptRater) call(subject, criterion string, meta map[string]string) (results []reflect.Value, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("plugin: %s: %s panicked: %v", s.path, rateFuncName, r)
		}
	}()
	return s.fn.Call([]reflect.Value{
		reflect.ValueOf(subject),
		reflect.ValueOf(criterion),
		reflect.ValueOf(meta),
	}), nil
}

func decodeRateResults(path string, results []reflect.Value) (evaluation.Response, error) {
	if len(results) != 3 {
		return evaluation.Response{}, fmt.Errorf("plugin: %s: %s returned %d values", path, rateFuncName, len(results))
	}
	if errVal := results[2]; errVal.IsValid() && !isNilValue(errVal) {
		if e, ok := errVal.Interface().(error); ok && e != nil {
			return evaluation.Response{}, fmt.Errorf("plugin: %s: %w", path, e)
		}
		return evaluation.Response{}, fmt.Errorf("plugin: %s: %s returned non-error third value", path, rateFuncName)
	}
	score, ok := asFloat(results[0])
	if !ok {
		return evaluation.Response{}, fmt.Errorf("%w: %s: score is %s", evaluation.ErrMalformedScore, path, results[0].Kind())
	}
	rationale := ""
	if results[1].Kind() == reflect.String {
		rationale = results[1].String()
	}
	return evaluation.Response{Score: score, Rationale: strings.TrimSpace(rationale)}, nil
}

func asFloat(v reflect.Value) (float64, bool) {
	switch v.Kind() {
	case reflect.Float32, reflect.Float64:
		return v.Float(), true
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(v.Int()), true
	case reflect.Interface:
		if v.IsNil() {
			return 0, false
		}
		return asFloat(v.Elem())
	default:
		return 0, false
	}
}

func isNilValue(v reflect.Value) bool {
	switch v.Kind() {
	case reflect.Interface, reflect.Pointer, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan:
		return v.IsNil()
	default:
		return false
	}
}
