package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	yaml "go.yaml.in/yaml/v3"
)

func isYAML(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

// Decode parses a config file strictly: unknown keys, trailing JSON values and
// extra YAML documents are errors. The format follows the extension of name;
// YAML is converted to JSON first so both share one decoder.
func Decode(name string, b []byte) (*Config, error) {
	if isYAML(name) {
		jb, err := yamlToJSON(b)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", filepath.Base(name), err)
		}
		b = jb
	}

	var cfg Config
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return nil, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return nil, errors.New("invalid config: trailing data")
		}
		return nil, err
	}
	return &cfg, nil
}

// yamlToJSON converts a single YAML mapping document. An empty file is an
// empty mapping.
func yamlToJSON(b []byte) ([]byte, error) {
	dec := yaml.NewDecoder(bytes.NewReader(b))
	var doc any
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return []byte("{}"), nil
		}
		return nil, fmt.Errorf("yaml: %w", err)
	}
	var extra any
	if err := dec.Decode(&extra); !errors.Is(err, io.EOF) {
		if err == nil {
			return nil, errors.New("yaml: expected a single document")
		}
		return nil, fmt.Errorf("yaml: %w", err)
	}

	switch top := jsonable(doc).(type) {
	case nil:
		return []byte("{}"), nil
	case map[string]any:
		out, err := json.Marshal(top)
		if err != nil {
			return nil, fmt.Errorf("yaml->json: %w", err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("yaml: top level must be a mapping, got %T", top)
	}
}

// jsonable rewrites map[any]any nodes, which yaml produces for non-string
// keys, into map[string]any.
func jsonable(in any) any {
	switch x := in.(type) {
	case map[any]any:
		m := make(map[string]any, len(x))
		for k, v := range x {
			m[fmt.Sprint(k)] = jsonable(v)
		}
		return m
	case map[string]any:
		for k, v := range x {
			x[k] = jsonable(v)
		}
		return x
	case []any:
		for i := range x {
			x[i] = jsonable(x[i])
		}
		return x
	default:
		return in
	}
}
