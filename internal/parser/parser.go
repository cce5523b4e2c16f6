// Package parser turns plan files into validated PlanSpecs. Plans are
// written in YAML; markdown documents carrying a fenced ```yaml plan```
// block are accepted too, so a design doc can double as the plan file.
package parser

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/harrison/foreman/internal/models"
)

// ParseFile reads and validates the plan at path, dispatching on the
// file extension.
func ParseFile(path string) (*models.PlanSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("parser: read %s: %w", path, err)
	}

	var spec *models.PlanSpec
	switch strings.ToLower(filepath.Ext(path)) {
	case ".md", ".markdown":
		spec, err = ParseMarkdown(data)
	default:
		spec, err = ParseYAML(data)
	}
	if err != nil {
		return nil, fmt.Errorf("parser: %s: %w", path, err)
	}

	applyDefaults(spec, path)
	if err := spec.Validate(); err != nil {
		return nil, fmt.Errorf("parser: %s: %w", path, err)
	}
	return spec, nil
}

// ParseYAML decodes a YAML plan document.
func ParseYAML(data []byte) (*models.PlanSpec, error) {
	var spec models.PlanSpec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("decode plan: %w", err)
	}
	return &spec, nil
}

// applyDefaults fills fields a plan file may omit.
func applyDefaults(spec *models.PlanSpec, path string) {
	if spec.Name == "" {
		base := filepath.Base(path)
		spec.Name = strings.TrimSuffix(base, filepath.Ext(base))
	}
	if spec.RepoPath == "" {
		if abs, err := filepath.Abs(filepath.Dir(path)); err == nil {
			spec.RepoPath = abs
		}
	}
	for i := range spec.Jobs {
		if spec.Jobs[i].Name == "" {
			spec.Jobs[i].Name = spec.Jobs[i].ProducerID
		}
	}
}
