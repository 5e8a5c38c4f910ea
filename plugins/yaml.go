package plugins

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefinitionFile pairs a parsed rater definition with the file it came from.
type DefinitionFile struct {
	Definition RaterDefinition
	Path       string
}

// ParseDefinitionYAML decodes one rater definition. Unknown keys are
// rejected so a misspelt "instruction:" fails loudly instead of producing a
// rater with no prompt.
func ParseDefinitionYAML(data []byte) (RaterDefinition, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return RaterDefinition{}, errors.New("plugin: definition is empty")
	}
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	var def RaterDefinition
	if err := decoder.Decode(&def); err != nil {
		return RaterDefinition{}, fmt.Errorf("plugin: decode definition: %w", err)
	}
	var extra yaml.Node
	if err := decoder.Decode(&extra); !errors.Is(err, io.EOF) {
		return RaterDefinition{}, errors.New("plugin: one rater per file")
	}
	if err := def.Validate(); err != nil {
		return RaterDefinition{}, err
	}
	return def.Normalized(), nil
}

// LoadDefinitionFile reads and parses a rater file.
func LoadDefinitionFile(file string) (DefinitionFile, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return DefinitionFile{}, fmt.Errorf("plugin: read %s: %w", file, err)
	}
	def, err := ParseDefinitionYAML(data)
	if err != nil {
		return DefinitionFile{}, fmt.Errorf("plugin: %s: %w", file, err)
	}
	return DefinitionFile{Definition: def, Path: filepath.Clean(file)}, nil
}

// LoadDefinitionDir parses every *.yaml / *.yml file directly inside dir,
// sorted by path. A blank or missing dir has no raters.
func LoadDefinitionDir(dir string) ([]DefinitionFile, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, nil
	}
	if _, err := os.Stat(dir); errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	defs, err := loadDefinitionsFS(os.DirFS(dir))
	if err != nil {
		return nil, err
	}
	for i := range defs {
		defs[i].Path = filepath.Join(dir, filepath.FromSlash(defs[i].Path))
	}
	return defs, nil
}

// loadDefinitionsFS does the work of LoadDefinitionDir against fsys. Paths in
// the result are relative to the root of fsys.
func loadDefinitionsFS(fsys fs.FS) ([]DefinitionFile, error) {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("plugin: list raters: %w", err)
	}
	var defs []DefinitionFile
	for _, entry := range entries {
		if entry.IsDir() || !isYAMLFile(entry.Name()) {
			continue
		}
		data, err := fs.ReadFile(fsys, entry.Name())
		if err != nil {
			return nil, fmt.Errorf("plugin: read %s: %w", entry.Name(), err)
		}
		def, err := ParseDefinitionYAML(data)
		if err != nil {
			return nil, fmt.Errorf("plugin: %s: %w", entry.Name(), err)
		}
		defs = append(defs, DefinitionFile{Definition: def, Path: entry.Name()})
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Path < defs[j].Path })
	return defs, nil
}

func isYAMLFile(name string) bool {
	switch strings.ToLower(path.Ext(name)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}
