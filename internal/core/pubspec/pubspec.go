// Package pubspec parses and validates package manifests.
package pubspec

import (
	"fmt"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"

	"github.com/pubvault/pubvault/internal/core/services"
)

// Pubspec is a parsed manifest: the decoded document plus the raw text as
// uploaded.
type Pubspec struct {
	Name    string
	Version string
	Fields  map[string]any
	Raw     string
}

// Parse decodes manifest YAML and validates the required keys. The version
// string must be valid semver.
func Parse(data []byte) (*Pubspec, error) {
	fields := map[string]any{}
	if err := yaml.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("%w: malformed manifest: %v", services.ErrValidation, err)
	}

	name, _ := fields["name"].(string)
	if name == "" {
		return nil, fmt.Errorf("%w: manifest is missing a name", services.ErrValidation)
	}

	version, _ := fields["version"].(string)
	if version == "" {
		return nil, fmt.Errorf("%w: manifest is missing a version", services.ErrValidation)
	}
	if _, err := semver.NewVersion(version); err != nil {
		return nil, fmt.Errorf("%w: invalid version %q: %v", services.ErrValidation, version, err)
	}

	return &Pubspec{
		Name:    name,
		Version: version,
		Fields:  fields,
		Raw:     string(data),
	}, nil
}

// Description returns the manifest's description, if any.
func (p *Pubspec) Description() string {
	d, _ := p.Fields["description"].(string)
	return d
}

// Dependencies returns the names in the manifest's dependencies mapping.
func (p *Pubspec) Dependencies() []string {
	deps, ok := p.Fields["dependencies"].(map[string]any)
	if !ok {
		return nil
	}
	names := make([]string, 0, len(deps))
	for name := range deps {
		names = append(names, name)
	}
	return names
}
