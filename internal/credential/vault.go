package credential

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"filippo.io/age"
)

// Vault seals secrets to a single process-wide X25519 identity.
type Vault struct {
	identity  *age.X25519Identity
	recipient *age.X25519Recipient
}

// GenerateIdentity returns a new secret key (AGE-SECRET-KEY-1...) and its
// public recipient string.
func GenerateIdentity() (secretKey, publicKey string, err error) {
	id, err := age.GenerateX25519Identity()
	if err != nil {
		return "", "", fmt.Errorf("credential: generate identity: %w", err)
	}
	return id.String(), id.Recipient().String(), nil
}

// NewVault parses an identity in AGE-SECRET-KEY-1 form.
func NewVault(secretKey string) (*Vault, error) {
	id, err := age.ParseX25519Identity(strings.TrimSpace(secretKey))
	if err != nil {
		return nil, fmt.Errorf("credential: parse identity: %w", err)
	}
	return &Vault{identity: id, recipient: id.Recipient()}, nil
}

// LoadVault reads the identity from keyFile, falling back to the inline key.
// Callers treat an error as fatal at startup.
func LoadVault(keyFile, key string) (*Vault, error) {
	if strings.TrimSpace(keyFile) == "" {
		if strings.TrimSpace(key) == "" {
			return nil, errors.New("credential: no vault key configured")
		}
		return NewVault(key)
	}
	f, err := os.Open(keyFile)
	if err != nil {
		return nil, fmt.Errorf("credential: open key file: %w", err)
	}
	defer f.Close()
	ids, err := age.ParseIdentities(f)
	if err != nil {
		return nil, fmt.Errorf("credential: parse key file %s: %w", keyFile, err)
	}
	for _, id := range ids {
		if x, ok := id.(*age.X25519Identity); ok {
			return &Vault{identity: x, recipient: x.Recipient()}, nil
		}
	}
	return nil, fmt.Errorf("credential: key file %s has no X25519 identity", keyFile)
}

// Recipient is the public half, safe to log.
func (v *Vault) Recipient() string { return v.recipient.String() }

func (v *Vault) Seal(plaintext []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, v.recipient)
	if err != nil {
		return nil, fmt.Errorf("credential: encrypt: %w", err)
	}
	if _, err := w.Write(plaintext); err != nil {
		return nil, fmt.Errorf("credential: encrypt: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("credential: encrypt: %w", err)
	}
	return buf.Bytes(), nil
}

// Open authenticates and decrypts. Any failure is reported as ErrCorrupt.
func (v *Vault) Open(ciphertext []byte) ([]byte, error) {
	r, err := age.Decrypt(bytes.NewReader(ciphertext), v.identity)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return out, nil
}
