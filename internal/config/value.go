package config

import (
	"strconv"
	"strings"
	"time"
)

// Value looks up a dot-separated key ("monitoring.alert_thresholds.cpu_percent")
// in the loaded document and returns def when any segment is missing.
// Numeric values come back as float64, as decoded from JSON.
func (c *Config) Value(key string, def any) any {
	if c == nil || c.raw == nil {
		return def
	}
	var cur any = c.raw
	for _, part := range strings.Split(strings.TrimSpace(key), ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return def
		}
		if cur, ok = m[part]; !ok || cur == nil {
			return def
		}
	}
	return cur
}

// Float returns key as a float64. Numeric strings are accepted.
func (c *Config) Float(key string, def float64) float64 {
	switch v := c.Value(key, def).(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case string:
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			return f
		}
	}
	return def
}

func (c *Config) String(key, def string) string {
	if v, ok := c.Value(key, def).(string); ok {
		return v
	}
	return def
}

// Duration returns key parsed as a Go duration string, or a number of seconds.
func (c *Config) Duration(key string, def time.Duration) time.Duration {
	switch v := c.Value(key, nil).(type) {
	case string:
		if d, err := ParseDurationField(key, v); err == nil && d > 0 {
			return d
		}
	case float64:
		if v > 0 {
			return time.Duration(v * float64(time.Second))
		}
	}
	return def
}

func (c *Config) Strings(key string, def []string) []string {
	list, ok := c.Value(key, nil).([]any)
	if !ok {
		return def
	}
	out := make([]string, 0, len(list))
	for _, v := range list {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func (c *Config) Bool(key string, def bool) bool {
	if v, ok := c.Value(key, def).(bool); ok {
		return v
	}
	return def
}

// Int truncates numeric values toward zero.
func (c *Config) Int(key string, def int) int {
	return int(c.Float(key, float64(def)))
}
