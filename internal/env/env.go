// Package env identifies the environment tfconv runs in.
package env

import (
	"os"
	"strings"

	"github.com/ekisa-team/tfconv/internal/envvar"
)

// Environment selects logging defaults.
type Environment string

const (
	Development Environment = "development"
	Production  Environment = "production"
)

// FromEnv reads the environment from TFCONV_ENV. Anything other than
// "production" or "prod" is development.
func FromEnv() Environment {
	return Parse(os.Getenv(envvar.TfconvEnv))
}

// Parse maps a user-supplied name to an Environment.
func Parse(s string) Environment {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "production", "prod":
		return Production
	default:
		return Development
	}
}

// IsDevelopment reports whether e is the development environment.
func (e Environment) IsDevelopment() bool {
	return e != Production
}
