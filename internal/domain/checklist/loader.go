package checklist

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// LoadFromFile reads a single Checklist from a YAML file.
func LoadFromFile(path string) (*Checklist, error) {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path is validated by caller
	if err != nil {
		return nil, fmt.Errorf("read checklist file %s: %w", path, err)
	}

	var c Checklist
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse checklist file %s: %w", path, err)
	}

	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("validate checklist file %s: %w", path, err)
	}

	return &c, nil
}

// LoadFromDirectory reads all .yaml/.yml files from a directory.
// Missing directories return an empty slice, not an error.
func LoadFromDirectory(dir string) ([]Checklist, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read checklist directory %s: %w", dir, err)
	}

	var out []Checklist
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}

		c, err := LoadFromFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}

	return out, nil
}

// Registry resolves checklists by ID: built-ins plus anything loaded from
// path, which may be a file or a directory. Loaded checklists shadow
// built-ins with the same ID.
func Registry(path string) (map[string]*Checklist, error) {
	reg := make(map[string]*Checklist)
	for _, c := range Builtin() {
		reg[c.ID] = &c
	}
	if path == "" {
		return reg, nil
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("checklist path %s: %w", path, err)
	}

	var loaded []Checklist
	if info.IsDir() {
		loaded, err = LoadFromDirectory(path)
		if err != nil {
			return nil, err
		}
	} else {
		c, err := LoadFromFile(path)
		if err != nil {
			return nil, err
		}
		loaded = append(loaded, *c)
	}
	for _, c := range loaded {
		reg[c.ID] = &c
	}
	return reg, nil
}
