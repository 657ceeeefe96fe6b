// Package normalizer canonicalizes model identifiers so that the same model
// advertised under vendor-prefixed or differently cased names collapses to a
// single routing key.
package normalizer

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

var prefixPattern = regexp.MustCompile(`(?i)^(models|model|m)/`)

// Normalizer is a pure, deterministic model-name canonicalizer. The alias
// table maps already-normalized names onto their canonical form.
type Normalizer struct {
	aliases map[string]string
	hash    string
}

// defaultAliases covers the common vendor-prefixed spellings seen in the
// wild. A YAML file can replace the table entirely.
var defaultAliases = map[string]string{
	"chatgpt-4o-latest":   "gpt-4o",
	"gpt-4-turbo-preview": "gpt-4-turbo",
	"claude-3.5-sonnet":   "claude-3-5-sonnet",
	"claude-3.5-haiku":    "claude-3-5-haiku",
}

// New creates a normalizer with the built-in alias table.
func New() *Normalizer {
	return newWithTable(defaultAliases)
}

// NewFromFile creates a normalizer whose alias table is loaded from a YAML
// mapping file. An empty path yields the built-in table.
func NewFromFile(path string) (*Normalizer, error) {
	if path == "" {
		return New(), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read alias table: %w", err)
	}
	table := map[string]string{}
	if err := yaml.Unmarshal(raw, &table); err != nil {
		return nil, fmt.Errorf("failed to parse alias table: %w", err)
	}
	return newWithTable(table), nil
}

func newWithTable(table map[string]string) *Normalizer {
	aliases := make(map[string]string, len(table))
	for k, v := range table {
		aliases[basicNormalize(k)] = basicNormalize(v)
	}

	// Stable digest over the table for cache invalidation.
	keys := make([]string, 0, len(aliases))
	for k := range aliases {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	h := sha256.New()
	for _, k := range keys {
		h.Write([]byte(k))
		h.Write([]byte{0})
		h.Write([]byte(aliases[k]))
		h.Write([]byte{0})
	}

	return &Normalizer{
		aliases: aliases,
		hash:    hex.EncodeToString(h.Sum(nil))[:16],
	}
}

// Normalize canonicalizes a raw model identifier. Normalizing an already
// normalized name is a no-op.
func (n *Normalizer) Normalize(raw string) string {
	cleaned := basicNormalize(raw)
	if canonical, ok := n.aliases[cleaned]; ok {
		return canonical
	}
	return cleaned
}

// TableHash returns a short digest of the alias table, used to key caches.
func (n *Normalizer) TableHash() string {
	return n.hash
}

// basicNormalize lowercases, trims, strips generic prefixes and a single
// vendor segment ("openai/gpt-4o-mini" -> "gpt-4o-mini").
func basicNormalize(raw string) string {
	cleaned := strings.ToLower(strings.TrimSpace(raw))
	cleaned = prefixPattern.ReplaceAllString(cleaned, "")
	if idx := strings.LastIndex(cleaned, "/"); idx >= 0 && idx < len(cleaned)-1 {
		cleaned = cleaned[idx+1:]
	}
	return strings.Join(strings.Fields(cleaned), "")
}

// IsChatModel reports whether the id looks like a chat model. Embedding
// models are never offered downstream.
func IsChatModel(model string) bool {
	lower := strings.ToLower(model)
	return !strings.Contains(lower, "embedding") && !strings.Contains(lower, "embed")
}
