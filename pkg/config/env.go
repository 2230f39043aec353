package config

import (
	"os"
	"regexp"
	"strings"

	"github.com/joho/godotenv"
)

// bracedRef matches ${VAR} with an optional :-default suffix; bareRef
// matches plain $VAR.
var (
	bracedRef = regexp.MustCompile(`\$\{([A-Z_][A-Z0-9_]*)(:-(.*?))?\}`)
	bareRef   = regexp.MustCompile(`\$([A-Z_][A-Z0-9_]*)`)
)

// expandEnvVars substitutes environment references inside a config value.
// ${VAR:-default} falls back to the default when VAR is unset or empty;
// an unset variable without a default expands to the empty string.
func expandEnvVars(s string) string {
	if !strings.Contains(s, "$") {
		return s
	}

	s = bracedRef.ReplaceAllStringFunc(s, func(match string) string {
		parts := bracedRef.FindStringSubmatch(match)
		name, fallback, hasFallback := parts[1], parts[3], parts[2] != ""
		if val := os.Getenv(name); val != "" {
			return val
		}
		if hasFallback {
			return fallback
		}
		return ""
	})

	return bareRef.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(strings.TrimPrefix(match, "$"))
	})
}

// LoadEnvFiles reads .env.local and then .env from the working directory.
// Either file may be absent.
func LoadEnvFiles() {
	for _, file := range []string{".env.local", ".env"} {
		_ = godotenv.Load(file)
	}
}
