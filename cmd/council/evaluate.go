package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/kingrea/council/internal/evaluation"
)

func runEvaluate(args []string) {
	fs := flag.NewFlagSet("evaluate", flag.ExitOnError)
	projectDir := fs.String("project", "", "path to the project directory (defaults to cwd)")
	setID := fs.String("set", "idea", "criteria set to score against")
	subjectID := fs.String("id", "", "subject identifier (random when empty)")
	file := fs.String("file", "", "read the content from a file ('-' for stdin)")
	asJSON := fs.Bool("json", false, "print the evaluation as JSON")
	meta := keyValueFlag{}
	fs.Var(&meta, "meta", "subject metadata (key=value, repeatable)")
	_ = fs.Parse(args)

	content, err := readContent(*file, fs.Args())
	if err != nil {
		die("%v", err)
	}
	if strings.TrimSpace(content) == "" {
		die("nothing to evaluate: pass text, --file, or pipe content with --file -")
	}
	id := strings.TrimSpace(*subjectID)
	if id == "" {
		id = uuid.NewString()
	}

	rt, err := setup(*projectDir)
	if err != nil {
		die("%v", err)
	}
	defer rt.Close()

	eval, err := rt.service.Evaluate(context.Background(), *setID, evaluation.Subject{
		ID:       id,
		Content:  content,
		Metadata: meta,
	})
	if err != nil {
		die("evaluate: %v", err)
	}
	if *asJSON {
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		if err := encoder.Encode(eval); err != nil {
			die("encode: %v", err)
		}
		return
	}
	printEvaluation(eval)
}

func readContent(file string, args []string) (string, error) {
	switch strings.TrimSpace(file) {
	case "":
		return strings.Join(args, " "), nil
	case "-":
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return "", fmt.Errorf("read stdin: %w", err)
		}
		return string(data), nil
	default:
		data, err := os.ReadFile(file)
		if err != nil {
			return "", fmt.Errorf("read %s: %w", file, err)
		}
		return string(data), nil
	}
}

func printEvaluation(eval evaluation.Evaluation) {
	fmt.Printf("%s on %s: %.2f (%s)\n", eval.SubjectID, eval.SetID, eval.OverallScore, eval.Tier)
	keys := make([]string, 0, len(eval.Criteria))
	for key := range eval.Criteria {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		result := eval.Criteria[key]
		note := result.Rationale
		if result.Failed {
			note = "fallback: " + result.Error
		}
		fmt.Printf("  %-14s %6.2f  [%s] %s\n", key, result.Score, result.EvaluatorID, note)
	}
	if eval.Degraded {
		fmt.Println("Some raters failed; their criteria used the fallback score.")
	}
}
