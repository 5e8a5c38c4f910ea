package plugins

import (
	"path/filepath"
	"strings"
	"testing"
)

func TestRaterDefinitionValidate(t *testing.T) {
	def := RaterDefinition{
		ID:           "brand-fit",
		Name:         "Brand Fit",
		Instructions: "Judge how well the idea fits a playful consumer brand.",
	}
	if err := def.Validate(); err != nil {
		t.Fatalf("expected definition to validate, got %v", err)
	}
}

func TestRaterDefinitionValidateFailures(t *testing.T) {
	tests := []struct {
		name string
		def  RaterDefinition
		msg  string
	}{
		{
			name: "missing id",
			def:  RaterDefinition{Instructions: "rate"},
			msg:  "id is required",
		},
		{
			name: "id with separator",
			def:  RaterDefinition{ID: "a/b", Instructions: "rate"},
			msg:  "path separators",
		},
		{
			name: "no strategy",
			def:  RaterDefinition{ID: "empty"},
			msg:  "instructions or script",
		},
		{
			name: "both strategies",
			def:  RaterDefinition{ID: "both", Instructions: "rate", Script: "rate.go"},
			msg:  "not both",
		},
		{
			name: "non go script",
			def:  RaterDefinition{ID: "py", Script: "rate.py"},
			msg:  ".go file",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if err := tc.def.Validate(); err == nil || !strings.Contains(err.Error(), tc.msg) {
				t.Fatalf("expected error containing %q, got %v", tc.msg, err)
			}
		})
	}
}

func TestScriptPathResolvesRelativeToDefinition(t *testing.T) {
	def := RaterDefinition{ID: "s", Script: "scripts/toxic.go"}
	got := def.ScriptPath(filepath.Join("/srv", "raters", "toxic.yaml"))
	if got != filepath.Join("/srv", "raters", "scripts", "toxic.go") {
		t.Fatalf("script path = %s", got)
	}
	abs := RaterDefinition{ID: "s", Script: "/opt/toxic.go"}
	if got := abs.ScriptPath("/srv/raters/toxic.yaml"); got != "/opt/toxic.go" {
		t.Fatalf("absolute script path changed: %s", got)
	}
}
