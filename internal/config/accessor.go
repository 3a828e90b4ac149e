package config

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// toMap renders cfg as nested maps keyed by the json field names.
func toMap(cfg *Config) (map[string]any, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// GetByPath retrieves a config value by dot-notation path (e.g. "relay.url").
func GetByPath(cfg *Config, path string) (any, error) {
	m, err := toMap(cfg)
	if err != nil {
		return nil, err
	}
	var current any = m
	for _, key := range strings.Split(path, ".") {
		section, ok := current.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("cannot traverse into %T at %s", current, key)
		}
		if current, ok = section[key]; !ok {
			return nil, fmt.Errorf("key not found: %s", path)
		}
	}
	return current, nil
}

// SetByPath sets a leaf value by dot-notation path. Only existing keys can be
// set; string input is converted to the type of the value it replaces, so
// "identity.selfId 42" stays a string and "server.port 9000" becomes a number.
// Keys omitted when empty (e.g. identity.token) are accepted as strings.
func SetByPath(cfg *Config, path string, value any) error {
	if path == "" {
		return fmt.Errorf("empty path")
	}
	m, err := toMap(cfg)
	if err != nil {
		return err
	}

	parts := strings.Split(path, ".")
	parent := m
	for _, key := range parts[:len(parts)-1] {
		child, ok := parent[key].(map[string]any)
		if !ok {
			return fmt.Errorf("unknown section %q in %s", key, path)
		}
		parent = child
	}

	last := parts[len(parts)-1]
	old, exists := parent[last]
	if _, isSection := old.(map[string]any); isSection {
		return fmt.Errorf("%s is a section, not a value", path)
	}
	if !exists && !optionalKeys[path] {
		return fmt.Errorf("key not found: %s", path)
	}

	v, err := coerce(old, value)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	parent[last] = v

	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, cfg)
}

// optionalKeys are settable leaves dropped from the json form when empty.
var optionalKeys = map[string]bool{
	"general.logFile":    true,
	"identity.avatarUrl": true,
	"identity.token":     true,
}

// coerce converts string input to the type of old. Non-string input and
// unknown old types pass through unchanged.
func coerce(old, v any) (any, error) {
	s, ok := v.(string)
	if !ok {
		return v, nil
	}
	switch old.(type) {
	case bool:
		b, err := strconv.ParseBool(s)
		if err != nil {
			return nil, fmt.Errorf("expected true or false, got %q", s)
		}
		return b, nil
	case float64:
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, fmt.Errorf("expected a number, got %q", s)
		}
		return f, nil
	default:
		return s, nil
	}
}

// Sanitize returns a copy of the config with the identity token masked.
func Sanitize(cfg *Config) *Config {
	c := *cfg
	if c.Identity.Token != "" {
		c.Identity.Token = maskString(c.Identity.Token)
	}
	return &c
}

// maskString shows first 4 and last 4 chars, masks the rest.
func maskString(s string) string {
	if len(s) <= 8 {
		return "***"
	}
	return s[:4] + "****" + s[len(s)-4:]
}

// ListPaths returns all settable config paths with their current values.
func ListPaths(cfg *Config) map[string]any {
	m, err := toMap(cfg)
	if err != nil {
		return nil
	}
	result := make(map[string]any)
	flatten("", m, result)
	return result
}

// SortedPaths returns the keys of ListPaths in order.
func SortedPaths(cfg *Config) []string {
	paths := ListPaths(cfg)
	keys := make([]string, 0, len(paths))
	for k := range paths {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func flatten(prefix string, m map[string]any, result map[string]any) {
	for k, v := range m {
		path := k
		if prefix != "" {
			path = prefix + "." + k
		}
		if section, ok := v.(map[string]any); ok {
			flatten(path, section, result)
			continue
		}
		result[path] = v
	}
}
