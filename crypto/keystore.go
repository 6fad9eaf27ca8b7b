package crypto

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// Key-file management (encrypted keystores, passphrase-protected wallets) is
// an external collaborator per the node's scope; what lives here is the bare
// minimum the node manages itself: the plaintext p2p node identity key file,
// validator seed generation for `keygen`, and the hex key encoding used by
// `keygen`/`create_account` output and the `--key` flag. No validator key
// file is written here.

// LoadOrCreateNodeKey reads the 32-byte secp256k1 node identity key from
// path, creating a new random one on first run.
func LoadOrCreateNodeKey(path string) (*secp256k1.PrivateKey, error) {
	b, err := os.ReadFile(path)
	if err == nil {
		return Secp256k1KeyFromBytes(b)
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("crypto: reading node key: %w", err)
	}

	key, genErr := GenerateSecp256k1Key()
	if genErr != nil {
		return nil, genErr
	}
	if mkErr := os.MkdirAll(filepath.Dir(path), 0700); mkErr != nil {
		return nil, fmt.Errorf("crypto: creating node key dir: %w", mkErr)
	}
	if wErr := os.WriteFile(path, key.Serialize(), 0600); wErr != nil {
		return nil, fmt.Errorf("crypto: writing node key: %w", wErr)
	}
	return key, nil
}

// GenerateEd25519Seed generates a random 32-byte ed25519 seed, used for
// validator keys (see consensus package for the expanded-secret VRF
// conversion).
func GenerateEd25519Seed() ([32]byte, error) {
	var seed [32]byte
	_, err := rand.Read(seed[:])
	return seed, err
}

// EncodeHexKey renders a 32-byte key as a "0x"-prefixed hex string, the
// format accepted by the `--key` CLI flag.
func EncodeHexKey(b []byte) string {
	return "0x" + hex.EncodeToString(b)
}

// DecodeHexKey parses a 32-byte hex-encoded key, with or without a "0x"
// prefix.
func DecodeHexKey(s string) ([]byte, error) {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		s = s[2:]
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("crypto: invalid hex key: %w", err)
	}
	if len(b) != 32 {
		return nil, fmt.Errorf("crypto: key must be 32 bytes, got %d", len(b))
	}
	return b, nil
}
