package plugins

import (
	"fmt"
	"path/filepath"
	"strings"
)

// RaterDefinition describes a custom rater loaded from YAML.
//
// The struct mirrors the on-disk schema under .council/raters/*.yaml. A rater
// is either prompt-backed (Instructions replaces the model rater's preamble)
// or script-backed (Script names a Go file interpreted at load time).
type RaterDefinition struct {
	ID           string         `json:"id" yaml:"id"`
	Name         string         `json:"name,omitempty" yaml:"name,omitempty"`
	Description  string         `json:"description,omitempty" yaml:"description,omitempty"`
	Instructions string         `json:"instructions,omitempty" yaml:"instructions,omitempty"`
	Script       string         `json:"script,omitempty" yaml:"script,omitempty"`
	Options      map[string]any `json:"options,omitempty" yaml:"options,omitempty"`
}

// Normalized returns a trimmed copy of the definition.
func (def RaterDefinition) Normalized() RaterDefinition {
	clone := RaterDefinition{
		ID:           strings.TrimSpace(def.ID),
		Name:         strings.TrimSpace(def.Name),
		Description:  strings.TrimSpace(def.Description),
		Instructions: strings.TrimSpace(def.Instructions),
		Script:       strings.TrimSpace(def.Script),
	}
	if len(def.Options) > 0 {
		clone.Options = make(map[string]any, len(def.Options))
		for key, value := range def.Options {
			trimmed := strings.TrimSpace(key)
			if trimmed == "" {
				continue
			}
			clone.Options[trimmed] = value
		}
	}
	return clone
}

// Validate ensures the definition names exactly one rating strategy.
func (def RaterDefinition) Validate() error {
	normalized := def.Normalized()
	if normalized.ID == "" {
		return fmt.Errorf("plugin: id is required")
	}
	if strings.ContainsAny(normalized.ID, " \t/\\") {
		return fmt.Errorf("plugin %s: id must not contain spaces or path separators", normalized.ID)
	}
	hasPrompt := normalized.Instructions != ""
	hasScript := normalized.Script != ""
	switch {
	case hasPrompt && hasScript:
		return fmt.Errorf("plugin %s: set either instructions or script, not both", normalized.ID)
	case !hasPrompt && !hasScript:
		return fmt.Errorf("plugin %s: instructions or script is required", normalized.ID)
	}
	if hasScript && filepath.Ext(normalized.Script) != ".go" {
		return fmt.Errorf("plugin %s: script %s must be a .go file", normalized.ID, normalized.Script)
	}
	return nil
}

// ScriptPath resolves Script relative to the directory holding the
// definition file.
func (def RaterDefinition) ScriptPath(definitionPath string) string {
	script := strings.TrimSpace(def.Script)
	if script == "" || filepath.IsAbs(script) {
		return script
	}
	return filepath.Join(filepath.Dir(definitionPath), script)
}
