package plugins

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/kingrea/council/internal/evaluation"
)

// KindScript is the evaluator kind for ad-hoc script raters referenced
// directly from a criterion.
const KindScript = "script"

// ScriptFactory builds script raters. Relative script paths resolve against
// baseDir.
func ScriptFactory(baseDir string) evaluation.Factory {
	return func(spec evaluation.Spec) (evaluation.Evaluator, error) {
		script := strings.TrimSpace(spec.Script)
		if script == "" {
			return nil, fmt.Errorf("plugin: criterion %s: script path is required", spec.CriterionKey)
		}
		if !filepath.IsAbs(script) {
			script = filepath.Join(baseDir, script)
		}
		return LoadScriptRater(script)
	}
}

// RegisterRaterPlugins discovers YAML rater definitions in dir and registers
// each one as an evaluator kind named after its ID. Prompt raters are backed
// by model; script raters are interpreted once at registration.
func RegisterRaterPlugins(reg *evaluation.Registry, dir string, model evaluation.Completer) ([]string, error) {
	if reg == nil {
		return nil, nil
	}
	defs, err := LoadDefinitionDir(dir)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]string, len(defs))
	ids := make([]string, 0, len(defs))
	for _, file := range defs {
		def := file.Definition
		if existing, ok := seen[def.ID]; ok {
			return nil, fmt.Errorf("plugin: duplicate rater id %s (%s and %s)", def.ID, existing, file.Path)
		}
		seen[def.ID] = file.Path
		factory, err := factoryFor(def, file.Path, model)
		if err != nil {
			return nil, err
		}
		if err := reg.Register(def.ID, factory); err != nil {
			return nil, fmt.Errorf("plugin: register %s from %s: %w", def.ID, file.Path, err)
		}
		ids = append(ids, def.ID)
	}
	return ids, nil
}

func factoryFor(def RaterDefinition, path string, model evaluation.Completer) (evaluation.Factory, error) {
	if def.Script != "" {
		rater, err := LoadScriptRater(def.ScriptPath(path))
		if err != nil {
			return nil, err
		}
		return func(evaluation.Spec) (evaluation.Evaluator, error) {
			return rater, nil
		}, nil
	}
	if model == nil {
		return nil, fmt.Errorf("plugin: %s: prompt raters need a model client", def.ID)
	}
	instructions := def.Instructions
	return func(evaluation.Spec) (evaluation.Evaluator, error) {
		return evaluation.NewModelEvaluator(model, instructions)
	}, nil
}
