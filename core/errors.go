package core

import (
	"errors"
	"fmt"
)

// ConfigError represents a configuration-related error with actionable instructions.
type ConfigError struct {
	Code    string // Error code for programmatic handling
	Message string // Human-readable error message
	Action  string // Actionable instruction for resolution
}

func (e *ConfigError) Error() string {
	if e.Action != "" {
		return fmt.Sprintf("%s. %s", e.Message, e.Action)
	}
	return e.Message
}

// Error codes for configuration errors
const (
	ErrCodeEnvFileMissing    = "ENV_FILE_MISSING"
	ErrCodeConfigFile        = "CONFIG_FILE_INVALID"
	ErrCodeOutOfRange        = "VALUE_OUT_OF_RANGE"
	ErrCodeThresholdOrder    = "THRESHOLD_ORDER"
	ErrCodeInvalidURL        = "INVALID_URL"
	ErrCodeMissingConfig     = "MISSING_CONFIG"
	ErrCodeServerUnreachable = "SERVER_UNREACHABLE"
	ErrCodeSourceMissing     = "SOURCE_MISSING"
)

// ErrEnvFileMissing returns an error for a missing .env file.
func ErrEnvFileMissing(path string) *ConfigError {
	return &ConfigError{
		Code:    ErrCodeEnvFileMissing,
		Message: fmt.Sprintf("Configuration file not found: %s", path),
		Action:  "Copy example.env to .env or set the variables in the environment",
	}
}

// ErrConfigFile returns an error for an unreadable or malformed YAML overlay.
func ErrConfigFile(path string, reason string) *ConfigError {
	return &ConfigError{
		Code:    ErrCodeConfigFile,
		Message: fmt.Sprintf("Cannot load config file %s: %s", path, reason),
		Action:  "Fix the file or unset PIPELINE_CONFIG_FILE",
	}
}

// ErrOutOfRange returns an error for a value outside its allowed range.
func ErrOutOfRange(varName string, value any, lo, hi any) *ConfigError {
	return &ConfigError{
		Code:    ErrCodeOutOfRange,
		Message: fmt.Sprintf("%s=%v is out of range", varName, value),
		Action:  fmt.Sprintf("Set %s between %v and %v", varName, lo, hi),
	}
}

// ErrInvalidURL returns an error for a malformed endpoint URL.
func ErrInvalidURL(varName, url, reason string) *ConfigError {
	return &ConfigError{
		Code:    ErrCodeInvalidURL,
		Message: fmt.Sprintf("Invalid %s '%s': %s", varName, url, reason),
		Action:  fmt.Sprintf("Set %s to an http(s) URL such as http://localhost:8080/v1", varName),
	}
}

// ErrMissingConfig returns an error for missing required configuration.
func ErrMissingConfig(varName string) *ConfigError {
	return &ConfigError{
		Code:    ErrCodeMissingConfig,
		Message: fmt.Sprintf("Missing required configuration: %s", varName),
		Action:  fmt.Sprintf("Set %s in your .env file", varName),
	}
}

// ErrServerUnreachable returns an error when an endpoint cannot be reached.
func ErrServerUnreachable(url string, reason string) *ConfigError {
	return &ConfigError{
		Code:    ErrCodeServerUnreachable,
		Message: fmt.Sprintf("Cannot connect to %s: %s", url, reason),
		Action:  "Check VISION_API_BASE_URL and that the vision server is running",
	}
}

// ErrSourceMissing returns an error when the frame source directory is unusable.
func ErrSourceMissing(dir string, reason string) *ConfigError {
	return &ConfigError{
		Code:    ErrCodeSourceMissing,
		Message: fmt.Sprintf("Frame source %s unusable: %s", dir, reason),
		Action:  "Point FRAME_SOURCE_DIR at a directory of images or unset it to use the synthetic source",
	}
}

// IsConfigError checks if err is or wraps a ConfigError and returns it if so.
func IsConfigError(err error) (*ConfigError, bool) {
	var configErr *ConfigError
	if errors.As(err, &configErr) {
		return configErr, true
	}
	return nil, false
}

// GetErrorCode extracts the error code from an error if it's a ConfigError.
func GetErrorCode(err error) string {
	if configErr, ok := IsConfigError(err); ok {
		return configErr.Code
	}
	return ""
}
