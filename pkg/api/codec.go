package api

import (
	"encoding/json"

	"gopkg.in/yaml.v3"
)

// ParseDefinition decodes a workflow definition from its JSON wire shape:
//
//	{ "steps": [{"id": ..., "type": ..., "config": {...}}],
//	  "transitions": [{"from": ..., "to": ..., "condition": {...}}] }
//
// The result is not validated; see the definition validator.
func ParseDefinition(data []byte) (WorkflowDefinition, error) {
	var def WorkflowDefinition
	if err := json.Unmarshal(data, &def); err != nil {
		return WorkflowDefinition{}, err
	}
	return def, nil
}

// ParseDefinitionYAML decodes a workflow definition from YAML.
func ParseDefinitionYAML(data []byte) (WorkflowDefinition, error) {
	var def WorkflowDefinition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return WorkflowDefinition{}, err
	}
	return def, nil
}

// EncodeDefinition serializes a definition to its JSON wire shape.
// Definitions are persisted by the storage collaborator as opaque blobs.
func EncodeDefinition(def WorkflowDefinition) ([]byte, error) {
	return json.Marshal(def)
}
