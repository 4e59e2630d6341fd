package cli

import "fmt"

// ConfigurationError reports invalid flags, environment or config file
// contents. Nothing has been started when it is returned.
type ConfigurationError struct {
	Err error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid configuration: %v", e.Err)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }
