package config

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// GetByPath retrieves a config value by dot-notation path
// (e.g. "polling.maxDelaySeconds", "accounts.0.id").
func GetByPath(cfg *Config, path string) (any, error) {
	m, err := toMap(cfg)
	if err != nil {
		return nil, err
	}

	var current any = m
	for _, key := range strings.Split(path, ".") {
		switch v := current.(type) {
		case map[string]any:
			val, ok := v[key]
			if !ok {
				return nil, fmt.Errorf("key not found: %s", path)
			}
			current = val
		case []any:
			idx, err := strconv.Atoi(key)
			if err != nil || idx < 0 || idx >= len(v) {
				return nil, fmt.Errorf("invalid array index: %s", key)
			}
			current = v[idx]
		default:
			return nil, fmt.Errorf("cannot traverse into %T at %s", current, key)
		}
	}
	return current, nil
}

// SetByPath sets a config value by dot-notation path. String values are
// converted to bools and numbers where they parse as such.
func SetByPath(cfg *Config, path string, value any) error {
	if strings.TrimSpace(path) == "" {
		return fmt.Errorf("empty path")
	}
	m, err := toMap(cfg)
	if err != nil {
		return err
	}

	parts := strings.Split(path, ".")
	var parent any = m
	for _, key := range parts[:len(parts)-1] {
		switch v := parent.(type) {
		case map[string]any:
			child, ok := v[key]
			if !ok {
				child = make(map[string]any)
				v[key] = child
			}
			parent = child
		case []any:
			idx, err := strconv.Atoi(key)
			if err != nil || idx < 0 || idx >= len(v) {
				return fmt.Errorf("invalid array index: %s", key)
			}
			parent = v[idx]
		default:
			return fmt.Errorf("cannot traverse into %T at %s", parent, key)
		}
	}

	last := parts[len(parts)-1]
	switch v := parent.(type) {
	case map[string]any:
		v[last] = parseValue(value)
	case []any:
		idx, err := strconv.Atoi(last)
		if err != nil || idx < 0 || idx >= len(v) {
			return fmt.Errorf("invalid array index: %s", last)
		}
		v[idx] = parseValue(value)
	default:
		return fmt.Errorf("cannot set %s on %T", last, parent)
	}

	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	var updated Config
	if err := json.Unmarshal(data, &updated); err != nil {
		return fmt.Errorf("set %s: %w", path, err)
	}
	*cfg = updated
	return nil
}

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

// parseValue tries to convert string values to appropriate Go types.
func parseValue(v any) any {
	s, ok := v.(string)
	if !ok {
		return v
	}
	switch s {
	case "true":
		return true
	case "false":
		return false
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return s
}

// Sanitize returns a copy of the config with tokens masked.
func Sanitize(cfg *Config) *Config {
	data, err := json.Marshal(cfg)
	if err != nil {
		return cfg
	}
	var copy Config
	if err := json.Unmarshal(data, &copy); err != nil {
		return cfg
	}
	if copy.Channel.Telegram.Token != "" {
		copy.Channel.Telegram.Token = maskString(copy.Channel.Telegram.Token)
	}
	if copy.Channel.Discord.Token != "" {
		copy.Channel.Discord.Token = maskString(copy.Channel.Discord.Token)
	}
	if copy.Channel.Slack.BotToken != "" {
		copy.Channel.Slack.BotToken = maskString(copy.Channel.Slack.BotToken)
	}
	if copy.Channel.Slack.AppToken != "" {
		copy.Channel.Slack.AppToken = maskString(copy.Channel.Slack.AppToken)
	}
	return &copy
}

// maskString shows first 4 and last 4 chars, masks the rest.
func maskString(s string) string {
	if len(s) <= 8 {
		return "***"
	}
	return s[:4] + "****" + s[len(s)-4:]
}

// ListPaths returns all config leaf paths with their current values.
func ListPaths(cfg *Config) map[string]any {
	m, err := toMap(cfg)
	if err != nil {
		return nil
	}
	result := make(map[string]any)
	flatten("", m, result)
	return result
}

func flatten(prefix string, v any, result map[string]any) {
	switch val := v.(type) {
	case map[string]any:
		for k, child := range val {
			flatten(join(prefix, k), child, result)
		}
	case []any:
		if len(val) == 0 {
			result[prefix] = val
		}
		for i, child := range val {
			flatten(join(prefix, strconv.Itoa(i)), child, result)
		}
	default:
		result[prefix] = val
	}
}

func join(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "." + key
}
