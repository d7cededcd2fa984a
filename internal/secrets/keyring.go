// Package secrets manages the age identity that seals confirmation tokens.
//
// The identity file uses the age-keygen format: comment lines starting with
// "#" and one or more AGE-SECRET-KEY- lines. The first identity seals new
// payloads; every identity in the file can open them, so an operator can
// rotate by prepending a fresh key.
package secrets

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"filippo.io/age"
)

// ErrOpen is returned when a payload cannot be opened with any identity.
var ErrOpen = errors.New("sealed payload cannot be opened")

// Keyring seals and opens payloads with a set of age identities.
type Keyring struct {
	identities []age.Identity
	recipient  age.Recipient
}

// NewKeyring builds a keyring around existing X25519 identities. The first
// identity is used for sealing.
func NewKeyring(identities ...*age.X25519Identity) (*Keyring, error) {
	if len(identities) == 0 {
		return nil, errors.New("no age identities found")
	}
	k := &Keyring{recipient: identities[0].Recipient()}
	for _, id := range identities {
		k.identities = append(k.identities, id)
	}
	return k, nil
}

// LoadOrCreateKeyring reads the identity file at path, generating it with
// mode 0600 when it does not exist yet.
func LoadOrCreateKeyring(path string, now func() time.Time) (*Keyring, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("age key path is required")
	}
	data, err := os.ReadFile(path)
	if err == nil {
		identities, err := parseAgeIdentities(data)
		if err != nil {
			return nil, fmt.Errorf("read age key %s: %w", path, err)
		}
		return NewKeyring(identities...)
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("read age key %s: %w", path, err)
	}
	identity, err := age.GenerateX25519Identity()
	if err != nil {
		return nil, fmt.Errorf("generate age identity: %w", err)
	}
	if now == nil {
		now = time.Now
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create age key dir: %w", err)
	}
	contents := fmt.Sprintf("# created: %s\n# public key: %s\n%s\n",
		now().UTC().Format(time.RFC3339), identity.Recipient(), identity)
	// O_EXCL so two daemons starting together never overwrite each other's key.
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return LoadOrCreateKeyring(path, now)
		}
		return nil, fmt.Errorf("write age key %s: %w", path, err)
	}
	if _, err := f.WriteString(contents); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("write age key %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("write age key %s: %w", path, err)
	}
	return NewKeyring(identity)
}

// Recipient returns the public key payloads are sealed to.
func (k *Keyring) Recipient() string {
	if k == nil {
		return ""
	}
	if r, ok := k.recipient.(*age.X25519Recipient); ok {
		return r.String()
	}
	return ""
}

// Seal encrypts plaintext to the keyring's recipient.
func (k *Keyring) Seal(plaintext []byte) ([]byte, error) {
	if k == nil {
		return nil, errors.New("keyring not configured")
	}
	var out bytes.Buffer
	w, err := age.Encrypt(&out, k.recipient)
	if err != nil {
		return nil, fmt.Errorf("age encrypt: %w", err)
	}
	if _, err := w.Write(plaintext); err != nil {
		return nil, fmt.Errorf("write age payload: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("close age writer: %w", err)
	}
	return out.Bytes(), nil
}

// Open decrypts a payload produced by Seal. Anything that does not decrypt
// with one of the keyring's identities fails with ErrOpen.
func (k *Keyring) Open(sealed []byte) ([]byte, error) {
	if k == nil {
		return nil, errors.New("keyring not configured")
	}
	r, err := age.Decrypt(bytes.NewReader(sealed), k.identities...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOpen, err)
	}
	payload, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOpen, err)
	}
	return payload, nil
}

func parseAgeIdentities(data []byte) ([]*age.X25519Identity, error) {
	var identities []*age.X25519Identity
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if !strings.HasPrefix(line, "AGE-SECRET-KEY-") {
			continue
		}
		identity, err := age.ParseX25519Identity(line)
		if err != nil {
			return nil, fmt.Errorf("parse age identity: %w", err)
		}
		identities = append(identities, identity)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read age key: %w", err)
	}
	if len(identities) == 0 {
		return nil, errors.New("no age identities found")
	}
	return identities, nil
}
