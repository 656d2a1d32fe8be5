package config

import (
	"os"
	"regexp"
	"strings"
)

var envVarPatterns = struct {
	withDefault *regexp.Regexp
	braced      *regexp.Regexp
	simple      *regexp.Regexp
}{
	withDefault: regexp.MustCompile(`\$\{([A-Z_][A-Z0-9_]*):-(.*?)\}`),
	braced:      regexp.MustCompile(`\$\{([A-Z_][A-Z0-9_]*)\}`),
	simple:      regexp.MustCompile(`\$([A-Z_][A-Z0-9_]*)`),
}

// expandEnvVars substitutes ${VAR}, ${VAR:-default}, and $VAR references in
// raw config content before YAML parsing.
func expandEnvVars(s string) string {
	if !strings.Contains(s, "$") {
		return s
	}

	s = envVarPatterns.withDefault.ReplaceAllStringFunc(s, func(match string) string {
		parts := envVarPatterns.withDefault.FindStringSubmatch(match)
		if len(parts) == 3 {
			if val := os.Getenv(parts[1]); val != "" {
				return val
			}
			return parts[2]
		}
		return match
	})

	s = envVarPatterns.braced.ReplaceAllStringFunc(s, func(match string) string {
		parts := envVarPatterns.braced.FindStringSubmatch(match)
		if len(parts) == 2 {
			return os.Getenv(parts[1])
		}
		return match
	})

	s = envVarPatterns.simple.ReplaceAllStringFunc(s, func(match string) string {
		parts := envVarPatterns.simple.FindStringSubmatch(match)
		if len(parts) == 2 {
			return os.Getenv(parts[1])
		}
		return match
	})

	return s
}
