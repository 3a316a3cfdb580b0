package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Helper functions for environment variable parsing
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// toString renders a raw env or YAML value, falling back to defaultValue when absent
func toString(value interface{}, defaultValue string) string {
	switch v := value.(type) {
	case nil:
		return defaultValue
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return fmt.Sprint(v)
	}
}

// toBool accepts 1/true/yes/y and 0/false/no/n; anything else yields defaultValue
func toBool(value interface{}, defaultValue bool) bool {
	switch v := value.(type) {
	case nil:
		return defaultValue
	case bool:
		return v
	}

	switch strings.ToLower(strings.TrimSpace(fmt.Sprint(value))) {
	case "1", "true", "yes", "y":
		return true
	case "0", "false", "no", "n":
		return false
	default:
		return defaultValue
	}
}

// toInt parses an integer, falling back to defaultValue on any parse failure
func toInt(value interface{}, defaultValue int) int {
	switch v := value.(type) {
	case nil:
		return defaultValue
	case int:
		return v
	}

	parsed, err := strconv.Atoi(strings.TrimSpace(fmt.Sprint(value)))
	if err != nil {
		return defaultValue
	}
	return parsed
}

// toFloat parses a float, falling back to defaultValue on any parse failure
func toFloat(value interface{}, defaultValue float64) float64 {
	switch v := value.(type) {
	case nil:
		return defaultValue
	case float64:
		return v
	case int:
		return float64(v)
	}

	parsed, err := strconv.ParseFloat(strings.TrimSpace(fmt.Sprint(value)), 64)
	if err != nil {
		return defaultValue
	}
	return parsed
}
