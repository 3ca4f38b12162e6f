package model

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// LoadYAML parses and validates a process definition document.
func LoadYAML(data []byte) (ProcessDefinition, error) {
	var def ProcessDefinition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return ProcessDefinition{}, fmt.Errorf("failed to unmarshal process definition: %w", err)
	}
	if err := def.Validate(); err != nil {
		return ProcessDefinition{}, fmt.Errorf("failed to load %s: %w", def.BpmnProcessId, err)
	}
	return def, nil
}

func LoadYAMLFile(filename string) (ProcessDefinition, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return ProcessDefinition{}, fmt.Errorf("failed to read file %s: %w", filename, err)
	}
	return LoadYAML(data)
}
