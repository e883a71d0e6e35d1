package config

import (
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/codelab/coderunner/pkg/errors"
)

type MemoryClass string

const (
	MemoryClassDefault MemoryClass = "default"
	MemoryClassSQL     MemoryClass = "sql"
)

// Runtime describes one language: the image its containers run and the
// in-container exec recipe. Command templates are /bin/sh lines with {entry}
// replaced by the staged entry-point path and {bin} by a scratch output path.
// Adding a language is a data change here or in the runtimes file.
type Runtime struct {
	Image       string      `yaml:"image"`
	Compile     string      `yaml:"compile,omitempty"`
	Run         string      `yaml:"run"`
	MemoryClass MemoryClass `yaml:"memory_class,omitempty"`
}

// DefaultRuntimes returns the compiled-in language set.
func DefaultRuntimes() map[string]Runtime {
	return map[string]Runtime{
		"python": {
			Image: "coderunner/python:latest",
			Run:   "python3 -u {entry}",
		},
		"javascript": {
			Image: "coderunner/node:latest",
			Run:   "node {entry}",
		},
		"java": {
			Image: "coderunner/java:latest",
			Run:   "java {entry}",
		},
		"c": {
			Image:   "coderunner/gcc:latest",
			Compile: "gcc -O2 -o {bin} {entry}",
			Run:     "{bin}",
		},
		"cpp": {
			Image:   "coderunner/gcc:latest",
			Compile: "g++ -O2 -o {bin} {entry}",
			Run:     "{bin}",
		},
		"sql": {
			Image:       "coderunner/sqlite:latest",
			Run:         "sqlite3 -batch /workspace/lab.db \".read {entry}\"",
			MemoryClass: MemoryClassSQL,
		},
	}
}

// LoadRuntimesFile merges language entries from a YAML file into dst,
// replacing compiled-in entries of the same tag.
func LoadRuntimesFile(path string, dst map[string]Runtime) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrap(errors.CodeConfigInvalid, err, "runtimes file")
	}
	var loaded map[string]Runtime
	if err := yaml.Unmarshal(data, &loaded); err != nil {
		return errors.Wrap(errors.CodeConfigInvalid, err, "runtimes file")
	}
	for lang, rt := range loaded {
		dst[strings.ToLower(lang)] = rt
	}
	return nil
}

// ExpandCommand substitutes the recipe placeholders.
func ExpandCommand(tmpl, entry, bin string) string {
	out := strings.ReplaceAll(tmpl, "{entry}", entry)
	return strings.ReplaceAll(out, "{bin}", bin)
}
