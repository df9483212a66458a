package crypto

import (
	"bytes"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// KeySource describes where an agent's secp256k1 signing key lives.
type KeySource struct {
	// Source is "file" (default), "env" or "hex".
	Source string
	// Path is the key file for the file source; created on first use.
	Path string
	// Env names the environment variable holding a hex key for the env source.
	Env string
	// Hex is an inline key for the hex source.
	Hex string
}

// LoadOrCreateKey returns the configured private key. A missing key file is
// generated and written with 0600 permissions.
func LoadOrCreateKey(src KeySource) (*ecdsa.PrivateKey, error) {
	switch src.Source {
	case "file", "":
		return loadKeyFile(src.Path)
	case "env":
		if src.Env == "" {
			return nil, fmt.Errorf("keys: env variable name required for env source")
		}
		raw := os.Getenv(src.Env)
		if raw == "" {
			return nil, fmt.Errorf("keys: %s is empty", src.Env)
		}
		return ParseKeyHex(raw)
	case "hex":
		return ParseKeyHex(src.Hex)
	default:
		return nil, fmt.Errorf("keys: unsupported key source %s", src.Source)
	}
}

// ParseKeyHex parses a 32-byte secp256k1 private key in hex, 0x optional.
func ParseKeyHex(s string) (*ecdsa.PrivateKey, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	key, err := crypto.HexToECDSA(s)
	if err != nil {
		return nil, fmt.Errorf("keys: parse private key: %w", err)
	}
	return key, nil
}

// KeyHex renders a private key as 0x-prefixed hex.
func KeyHex(key *ecdsa.PrivateKey) string {
	return hexutil.Encode(crypto.FromECDSA(key))
}

// AddressOf returns the account address controlled by key.
func AddressOf(key *ecdsa.PrivateKey) common.Address {
	return crypto.PubkeyToAddress(key.PublicKey)
}

func loadKeyFile(path string) (*ecdsa.PrivateKey, error) {
	if path == "" {
		return nil, fmt.Errorf("keys: key path required for file source")
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("keys: create key dir: %w", err)
		}
		key, err := crypto.GenerateKey()
		if err != nil {
			return nil, fmt.Errorf("keys: generate key: %w", err)
		}
		if err := WriteKeyFile(path, key); err != nil {
			return nil, err
		}
		return key, nil
	} else if err != nil {
		return nil, fmt.Errorf("keys: read key file: %w", err)
	}

	return ParseKeyHex(string(bytes.TrimSpace(data)))
}

// WriteKeyFile atomically writes key as hex to path.
func WriteKeyFile(path string, key *ecdsa.PrivateKey) error {
	temp := path + ".tmp"
	if err := os.WriteFile(temp, []byte(KeyHex(key)+"\n"), 0o600); err != nil {
		return fmt.Errorf("keys: write key temp: %w", err)
	}
	if err := os.Rename(temp, path); err != nil {
		return fmt.Errorf("keys: move key file: %w", err)
	}
	return nil
}
