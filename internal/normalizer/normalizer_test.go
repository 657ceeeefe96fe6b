package normalizer

import "testing"

func TestNormalizeVendorPrefix(t *testing.T) {
	n := New()
	cases := map[string]string{
		"openai/gpt-4o-mini": "gpt-4o-mini",
		"GPT-4o-Mini":        "gpt-4o-mini",
		"  gpt-4o-mini ":     "gpt-4o-mini",
		"models/gemini-pro":  "gemini-pro",
		"gpt-4o-mini":        "gpt-4o-mini",
	}
	for raw, want := range cases {
		if got := n.Normalize(raw); got != want {
			t.Errorf("Normalize(%q) = %q, want %q", raw, got, want)
		}
	}
}

func TestNormalizeIdempotent(t *testing.T) {
	n := New()
	for _, raw := range []string{"openai/GPT-4o", "claude-3.5-sonnet", "m/llama-3-70b-instruct"} {
		once := n.Normalize(raw)
		if twice := n.Normalize(once); twice != once {
			t.Errorf("Normalize not idempotent for %q: %q -> %q", raw, once, twice)
		}
	}
}

func TestAliasTable(t *testing.T) {
	n := New()
	if got := n.Normalize("chatgpt-4o-latest"); got != "gpt-4o" {
		t.Errorf("Expected alias collapse to gpt-4o, got %q", got)
	}
}

func TestTableHashStable(t *testing.T) {
	if New().TableHash() != New().TableHash() {
		t.Error("Expected identical tables to hash identically")
	}
	if len(New().TableHash()) != 16 {
		t.Errorf("Expected 16-char hash, got %q", New().TableHash())
	}
}

func TestIsChatModel(t *testing.T) {
	if IsChatModel("text-embedding-3-small") {
		t.Error("Embedding model classified as chat")
	}
	if !IsChatModel("gpt-4o-mini") {
		t.Error("Chat model rejected")
	}
}
