package proxy

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// defaultQuotaPatterns are the substrings that mark a 4xx as quota
// exhaustion. The list is configuration-driven because upstreams do not agree
// on an error vocabulary.
var defaultQuotaPatterns = []string{
	"insufficient_quota",
	"exceeded your current quota",
	"quota",
}

var modelMissingPatterns = []string{
	"model_not_found",
	"model does not exist",
}

// LoadQuotaPatterns reads the quota substring list from a YAML file, falling
// back to the built-in defaults when path is empty.
func LoadQuotaPatterns(path string) ([]string, error) {
	if path == "" {
		return defaultQuotaPatterns, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read quota patterns: %w", err)
	}
	var patterns []string
	if err := yaml.Unmarshal(raw, &patterns); err != nil {
		return nil, fmt.Errorf("failed to parse quota patterns: %w", err)
	}
	if len(patterns) == 0 {
		return defaultQuotaPatterns, nil
	}
	return patterns, nil
}

func matchesAny(body string, patterns []string) bool {
	lower := strings.ToLower(body)
	for _, p := range patterns {
		if strings.Contains(lower, strings.ToLower(p)) {
			return true
		}
	}
	return false
}
