package config

import (
	"crypto/tls"
	"fmt"
	"strings"
)

// ConfigError represents a configuration validation error
type ConfigError struct {
	Field       string
	Value       interface{}
	Reason      string
	Suggestions []string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("configuration error in field '%s': %s", e.Field, e.Reason)
}

func (e *ConfigError) WithSuggestion(suggestion string) *ConfigError {
	e.Suggestions = append(e.Suggestions, suggestion)
	return e
}

func NewConfigMissingError(field string) *ConfigError {
	return &ConfigError{
		Field:  field,
		Reason: fmt.Sprintf("required field '%s' is missing", field),
	}
}

func NewConfigValidationError(field string, value interface{}, reason string) *ConfigError {
	return &ConfigError{
		Field:  field,
		Value:  value,
		Reason: reason,
	}
}

// ParseTLSVersion converts "1.2" or "1.3" to the crypto/tls constant. An empty
// value selects TLS 1.2.
func ParseTLSVersion(version string) (uint16, error) {
	switch strings.TrimSpace(version) {
	case "", "1.2":
		return tls.VersionTLS12, nil
	case "1.3":
		return tls.VersionTLS13, nil
	default:
		return 0, fmt.Errorf("unsupported TLS version %q", version)
	}
}
