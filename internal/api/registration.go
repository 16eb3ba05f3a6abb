package api

import (
	"fmt"
	"os"

	"sigs.k8s.io/yaml"
)

// Registration is the on-disk shape of a group's image and pipeline
// definitions: a YAML document decoded the way the teacher decodes its
// own manifests, via sigs.k8s.io/yaml (JSON-compatible YAML, so the same
// struct tags serve both).
type Registration struct {
	Images    []Image    `json:"images,omitempty"`
	Pipelines []Pipeline `json:"pipelines,omitempty"`
}

// LoadRegistrations reads and decodes a Registration document from path.
func LoadRegistrations(path string) (Registration, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Registration{}, fmt.Errorf("reading registration file %s: %w", path, err)
	}
	var reg Registration
	if err := yaml.Unmarshal(data, &reg); err != nil {
		return Registration{}, fmt.Errorf("decoding registration file %s: %w", path, err)
	}
	return reg, nil
}
