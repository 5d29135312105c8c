package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
)

// envPattern matches ${VAR}, ${VAR:-default}, ${VAR:?message} and $VAR.
var envPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?:(:-|:\?)([^}]*))?\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

const errMarker = "ERROR:"

// expandEnvVars substitutes environment variables. Unset variables without a
// default keep their placeholder; ${VAR:?msg} leaves an ERROR marker.
func expandEnvVars(s string) string {
	return envPattern.ReplaceAllStringFunc(s, func(m string) string {
		sub := envPattern.FindStringSubmatch(m)
		name, op, arg := sub[1], sub[2], sub[3]
		if name == "" {
			name = sub[4]
		}
		if val, ok := os.LookupEnv(name); ok && val != "" {
			return val
		}
		switch op {
		case ":-":
			return arg
		case ":?":
			if arg == "" {
				arg = "required environment variable not set"
			}
			return fmt.Sprintf("%s %s: %s", errMarker, name, arg)
		}
		return m
	})
}

// expandEnvVarsWithValidation expands and reports every missing required variable.
func expandEnvVarsWithValidation(s string) (string, error) {
	var missing []string
	for _, sub := range envPattern.FindAllStringSubmatch(s, -1) {
		if sub[2] != ":?" {
			continue
		}
		if val, ok := os.LookupEnv(sub[1]); ok && val != "" {
			continue
		}
		msg := sub[3]
		if msg == "" {
			msg = "required environment variable not set"
		}
		missing = append(missing, sub[1]+": "+msg)
	}
	if len(missing) > 0 {
		return "", fmt.Errorf("%w: %s", ErrMissingEnv, strings.Join(missing, "; "))
	}
	return expandEnvVars(s), nil
}

// IsEnvReference reports whether v is an unexpanded $VAR or ${VAR}.
func IsEnvReference(v string) bool {
	return strings.HasPrefix(v, "$") && envPattern.MatchString(v)
}
