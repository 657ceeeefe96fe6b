package utils

import (
	"strings"
	"testing"
)

func TestHashKeyDeterministic(t *testing.T) {
	a := HashKey("hermes-abc")
	b := HashKey("hermes-abc")
	if a != b {
		t.Errorf("Expected identical digests, got %s and %s", a, b)
	}
	if len(a) != 64 {
		t.Errorf("Expected 64 hex chars, got %d", len(a))
	}
}

func TestHashKeyDiffers(t *testing.T) {
	if HashKey("a") == HashKey("b") {
		t.Error("Distinct inputs produced the same digest")
	}
}

func TestSecureCompare(t *testing.T) {
	if !SecureCompare("token", "token") {
		t.Error("Equal strings compared unequal")
	}
	if SecureCompare("token", "Token") {
		t.Error("Unequal strings compared equal")
	}
}

func TestGenerateKey(t *testing.T) {
	k1 := GenerateKey("hermes-")
	k2 := GenerateKey("hermes-")
	if !strings.HasPrefix(k1, "hermes-") {
		t.Errorf("Expected hermes- prefix, got %s", k1)
	}
	if k1 == k2 {
		t.Error("Expected random keys to differ")
	}
}
