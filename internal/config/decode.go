package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/cockroachdb/errors"
	yaml "go.yaml.in/yaml/v3"
)

// Decode strictly decodes JSON or, for .yaml/.yml names, YAML. Both go
// through the same JSON decoder so unknown keys fail in either format.
func Decode(name string, b []byte) (*Config, error) {
	format := "json"
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml":
		format = "yaml"
		jb, err := yamlToJSON(b)
		if err != nil {
			return nil, err
		}
		b = jb
	}

	var cfg Config
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return nil, errors.Wrapf(err, "decode %s config", format)
	}
	switch err := dec.Decode(&struct{}{}); {
	case err == io.EOF:
		return &cfg, nil
	case err == nil:
		return nil, errors.Newf("decode %s config: trailing data", format)
	default:
		return nil, errors.Wrapf(err, "decode %s config", format)
	}
}

func yamlToJSON(b []byte) ([]byte, error) {
	var doc any
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return nil, errors.Wrap(err, "parse yaml config")
	}
	out, err := json.Marshal(stringKeys(doc))
	if err != nil {
		return nil, errors.Wrap(err, "convert yaml config")
	}
	return out, nil
}

// stringKeys rewrites non-string map keys (yaml allows `1: x`) so the tree
// can be marshaled as JSON.
func stringKeys(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, e := range t {
			t[k] = stringKeys(e)
		}
		return t
	case map[any]any:
		m := make(map[string]any, len(t))
		for k, e := range t {
			m[fmt.Sprint(k)] = stringKeys(e)
		}
		return m
	case []any:
		for i, e := range t {
			t[i] = stringKeys(e)
		}
		return t
	}
	return v
}

// HashRaw hashes a raw unit config block so that whitespace and key order
// do not count as a change. Empty input hashes to 0; invalid JSON is hashed
// as-is.
func HashRaw(raw json.RawMessage) uint64 {
	if len(bytes.TrimSpace(raw)) == 0 {
		return 0
	}
	var v any
	if json.Unmarshal(raw, &v) == nil {
		if b, err := json.Marshal(v); err == nil {
			return xxhash.Sum64(b)
		}
	}
	return xxhash.Sum64(raw)
}
