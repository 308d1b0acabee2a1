package config

import (
	"fmt"
	"os"
	"strings"
)

const envSecretRefPrefix = "env://"

// ResolveSecret returns value unchanged unless it is an "env://NAME"
// reference, in which case the named environment variable is read.
func ResolveSecret(value string) (string, error) {
	return ResolveSecretWithLookup(value, os.LookupEnv)
}

// ResolveSecretWithLookup resolves value using the supplied lookup function.
func ResolveSecretWithLookup(value string, lookup func(string) (string, bool)) (string, error) {
	trimmed := strings.TrimSpace(value)
	if !strings.HasPrefix(trimmed, envSecretRefPrefix) {
		if strings.Contains(trimmed, "://") {
			return "", fmt.Errorf("secret ref %q uses unsupported scheme", value)
		}
		return trimmed, nil
	}
	name, err := parseSecretRefName(trimmed)
	if err != nil {
		return "", err
	}
	if lookup == nil {
		return "", fmt.Errorf("secret lookup function is required")
	}
	resolved, ok := lookup(name)
	if !ok || strings.TrimSpace(resolved) == "" {
		return "", fmt.Errorf("secret ref %q resolved empty value", name)
	}
	return resolved, nil
}

// RedactSecret returns a fixed marker for non-empty secret material.
func RedactSecret(raw string) string {
	if strings.TrimSpace(raw) == "" {
		return ""
	}
	return "***redacted***"
}

func parseSecretRefName(ref string) (string, error) {
	name := strings.TrimSpace(strings.TrimPrefix(ref, envSecretRefPrefix))
	if name == "" {
		return "", fmt.Errorf("secret ref %q is missing env var name", ref)
	}
	if strings.Contains(name, "/") {
		return "", fmt.Errorf("secret ref %q contains unsupported path separator", ref)
	}
	return name, nil
}
