package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/tempoworks/tempo/pkg/models"
)

// LoadFlowDir parses every *.yaml / *.yml file in dir into a flow
// definition. The file base name (without extension) becomes the flow id
// unless the file sets one explicitly. A missing directory yields an empty
// slice: flows can also be registered at runtime through the API.
func LoadFlowDir(dir string) ([]models.FlowDefinition, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read flows dir %s: %w", dir, err)
	}

	var flows []models.FlowDefinition
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := filepath.Ext(entry.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}

		path := filepath.Join(dir, entry.Name())
		flow, err := LoadFlowFile(path)
		if err != nil {
			return nil, err
		}
		flows = append(flows, flow)
	}
	return flows, nil
}

// LoadFlowFile parses a single flow-definition YAML file and validates it.
func LoadFlowFile(path string) (models.FlowDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return models.FlowDefinition{}, fmt.Errorf("failed to read flow file %s: %w", path, err)
	}

	var flow models.FlowDefinition
	if err := yaml.Unmarshal(ExpandEnv(data), &flow); err != nil {
		return models.FlowDefinition{}, fmt.Errorf("failed to parse flow file %s: %w", path, err)
	}

	if flow.ID == "" {
		flow.ID = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	if err := flow.Validate(); err != nil {
		return models.FlowDefinition{}, fmt.Errorf("flow file %s: %w", path, err)
	}
	return flow, nil
}
