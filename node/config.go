package node

import (
	"math"
)

// ConfigSchema describes the configuration parameters of a node type.
// Defaults are merged under caller-supplied values at creation time; keys
// the caller set are never overwritten.
type ConfigSchema struct {
	Properties map[string]PropertySchema `json:"properties"`
	Required   []string                  `json:"required,omitempty"`
}

// PropertySchema describes a single configuration property
type PropertySchema struct {
	Type        string   `json:"type"` // "string", "int", "bool", "float"
	Description string   `json:"description,omitempty"`
	Default     any      `json:"default,omitempty"`
	Enum        []string `json:"enum,omitempty"`
}

// ApplyDefaults returns a copy of cfg with every schema default filled in for
// keys the caller did not set.
func ApplyDefaults(cfg map[string]any, schema ConfigSchema) map[string]any {
	merged := make(map[string]any, len(cfg)+len(schema.Properties))
	for key, prop := range schema.Properties {
		if prop.Default != nil {
			merged[key] = prop.Default
		}
	}
	for key, value := range cfg {
		merged[key] = value
	}
	return merged
}

// GetString safely extracts a string value from config with a default fallback
func GetString(config map[string]any, key string, defaultValue string) string {
	if value, exists := config[key]; exists {
		if str, ok := value.(string); ok {
			return str
		}
	}
	return defaultValue
}

// GetInt safely extracts an integer value from config with a default fallback.
// JSON decoding yields float64, so numeric conversions are handled here.
func GetInt(config map[string]any, key string, defaultValue int) int {
	if value, exists := config[key]; exists {
		switch v := value.(type) {
		case int:
			return v
		case int64:
			if v < math.MinInt32 || v > math.MaxInt32 {
				return defaultValue
			}
			return int(v)
		case float64:
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return defaultValue
			}
			result := int(v)
			if float64(result) != v {
				return defaultValue
			}
			return result
		}
	}
	return defaultValue
}

// GetBool safely extracts a boolean value from config with a default fallback
func GetBool(config map[string]any, key string, defaultValue bool) bool {
	if value, exists := config[key]; exists {
		if b, ok := value.(bool); ok {
			return b
		}
	}
	return defaultValue
}

// GetFloat64 safely extracts a float64 value from config with a default fallback
func GetFloat64(config map[string]any, key string, defaultValue float64) float64 {
	if value, exists := config[key]; exists {
		switch v := value.(type) {
		case float64:
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return defaultValue
			}
			return v
		case int:
			return float64(v)
		case int64:
			return float64(v)
		}
	}
	return defaultValue
}
