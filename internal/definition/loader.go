// Package definition loads process definitions from YAML, validates them at
// publish time, and stores them as immutable (id, version) records.
package definition

import (
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/pitabwire/careflow/model"
)

// Loader scans directories for YAML definition files, parses them, and computes
// SHA-256 checksums.
type Loader struct{}

// NewLoader creates a new definition Loader.
func NewLoader() *Loader {
	return &Loader{}
}

// LoadAll recursively scans directories for *.yaml and *.yml files and parses
// each into a ProcessDefinition.
func (l *Loader) LoadAll(directories []string) ([]model.ProcessDefinition, error) {
	var defs []model.ProcessDefinition

	for _, dir := range directories {
		err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return nil
			}
			ext := strings.ToLower(filepath.Ext(path))
			if ext != ".yaml" && ext != ".yml" {
				return nil
			}

			def, err := l.LoadFile(path)
			if err != nil {
				return fmt.Errorf("loading %s: %w", path, err)
			}
			defs = append(defs, def)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("scanning directory %s: %w", dir, err)
		}
	}

	return defs, nil
}

// LoadFile loads and parses a single YAML definition file. It computes the
// SHA-256 checksum and records the source file path.
func (l *Loader) LoadFile(path string) (model.ProcessDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return model.ProcessDefinition{}, fmt.Errorf("reading %s: %w", path, err)
	}

	def, err := l.Parse(data)
	if err != nil {
		return model.ProcessDefinition{}, fmt.Errorf("parsing %s: %w", path, err)
	}
	def.SourceFile = path
	return def, nil
}

// Parse decodes a single definition document. JSON input is accepted since
// it is valid YAML. The document is checked against the definition schema
// before being decoded into the typed model.
func (l *Loader) Parse(data []byte) (model.ProcessDefinition, error) {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return model.ProcessDefinition{}, model.NewBadRequestError(fmt.Sprintf("invalid document: %v", err))
	}
	if err := CheckSchema(doc); err != nil {
		return model.ProcessDefinition{}, model.NewValidationError(err.Error(), nil)
	}

	var def model.ProcessDefinition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return model.ProcessDefinition{}, model.NewValidationError(err.Error(), nil)
	}
	def.Checksum = fmt.Sprintf("%x", sha256.Sum256(data))
	return def, nil
}
