package config

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	yaml "go.yaml.in/yaml/v3"
)

// toStrictJSON normalizes a config file to JSON bytes. JSON files pass
// through untouched; YAML files are decoded and re-encoded so that one strict
// decoder (DisallowUnknownFields) validates both formats.
func toStrictJSON(path string, data []byte) ([]byte, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
	default:
		return data, nil
	}

	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("yaml decode: %w", err)
	}

	out, err := json.Marshal(stringifyKeys(doc))
	if err != nil {
		return nil, fmt.Errorf("yaml to json: %w", err)
	}
	return out, nil
}

// stringifyKeys rewrites every map in the decoded YAML tree to use string
// keys. yaml.v3 can produce map[any]any for exotic key types, which
// json.Marshal refuses.
func stringifyKeys(v any) any {
	switch node := v.(type) {
	case map[string]any:
		for k, child := range node {
			node[k] = stringifyKeys(child)
		}
		return node
	case map[any]any:
		out := make(map[string]any, len(node))
		for k, child := range node {
			out[fmt.Sprint(k)] = stringifyKeys(child)
		}
		return out
	case []any:
		for i, child := range node {
			node[i] = stringifyKeys(child)
		}
		return node
	}
	return v
}
