package crypto

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestLoadOrCreateNodeKeyCreatesOnFirstRun(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sub", "nodekey")

	key, err := LoadOrCreateNodeKey(path)
	if err != nil {
		t.Fatalf("LoadOrCreateNodeKey: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected node key file to be written: %v", err)
	}

	again, err := LoadOrCreateNodeKey(path)
	if err != nil {
		t.Fatalf("LoadOrCreateNodeKey (reload): %v", err)
	}
	if !bytes.Equal(key.Serialize(), again.Serialize()) {
		t.Error("reloaded node key does not match the generated one")
	}
}

func TestHexKeyRoundTrip(t *testing.T) {
	key, err := GenerateSecp256k1Key()
	if err != nil {
		t.Fatalf("GenerateSecp256k1Key: %v", err)
	}
	encoded := EncodeHexKey(key.Serialize())
	decoded, err := DecodeHexKey(encoded)
	if err != nil {
		t.Fatalf("DecodeHexKey: %v", err)
	}
	if !bytes.Equal(decoded, key.Serialize()) {
		t.Error("hex key round-trip mismatch")
	}
}

func TestDecodeHexKeyWithout0xPrefix(t *testing.T) {
	key, err := GenerateSecp256k1Key()
	if err != nil {
		t.Fatalf("GenerateSecp256k1Key: %v", err)
	}
	encoded := EncodeHexKey(key.Serialize())[2:]
	decoded, err := DecodeHexKey(encoded)
	if err != nil {
		t.Fatalf("DecodeHexKey: %v", err)
	}
	if !bytes.Equal(decoded, key.Serialize()) {
		t.Error("hex key round-trip mismatch without 0x prefix")
	}
}

func TestDecodeHexKeyRejectsWrongLength(t *testing.T) {
	if _, err := DecodeHexKey("0x1234"); err == nil {
		t.Error("expected error decoding short hex key")
	}
}

func TestGenerateEd25519Seed(t *testing.T) {
	s1, err := GenerateEd25519Seed()
	if err != nil {
		t.Fatalf("GenerateEd25519Seed: %v", err)
	}
	s2, err := GenerateEd25519Seed()
	if err != nil {
		t.Fatalf("GenerateEd25519Seed: %v", err)
	}
	if s1 == s2 {
		t.Error("two generated seeds should not collide")
	}
}
