package main

import (
	"fmt"
	"os"

	"github.com/kingrea/council/plugins"
)

func handleValidateRaterCommand() bool {
	if len(os.Args) < 2 || os.Args[1] != "validate-rater" {
		return false
	}
	if len(os.Args) != 3 {
		fmt.Fprintln(os.Stderr, "Usage: council validate-rater /path/to/rater.yaml")
		os.Exit(2)
	}
	file, err := plugins.LoadDefinitionFile(os.Args[2])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid: %v\n", err)
		os.Exit(1)
	}
	def := file.Definition
	if def.Script != "" {
		if _, err := plugins.LoadScriptRater(def.ScriptPath(file.Path)); err != nil {
			fmt.Fprintf(os.Stderr, "Invalid: %s (%s): %v\n", file.Path, def.ID, err)
			os.Exit(1)
		}
		fmt.Printf("OK: %s (%s, script %s)\n", file.Path, def.ID, def.Script)
		os.Exit(0)
	}
	fmt.Printf("OK: %s (%s, prompt rater)\n", file.Path, def.ID)
	os.Exit(0)
	return true
}
