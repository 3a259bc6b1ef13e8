// Package encryption seals export artifacts with age so they can be stored
// or shared without exposing respondent data.
package encryption

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"filippo.io/age"

	"formkeep/internal/config"
	"formkeep/internal/fk"
)

// SealedExt is appended to the name of a sealed artifact.
const SealedExt = ".age"

// SealedContentType is the content type of a sealed artifact.
const SealedContentType = "application/octet-stream"

// ErrNotConfigured is returned when the key pair has not been created yet.
var ErrNotConfigured = errors.New("encryption keys not configured; run 'formkeep keys init'")

// KeyPair is an X25519 age key pair on disk. The public key is stored in
// plaintext; the private key is encrypted with a passphrase using age's
// scrypt recipient.
type KeyPair struct {
	publicKeyPath  string
	privateKeyPath string
}

func NewKeyPair(cfg config.EncryptionConfig) *KeyPair {
	return &KeyPair{
		publicKeyPath:  cfg.PublicKeyPath,
		privateKeyPath: cfg.PrivateKeyPath,
	}
}

// Init generates a new key pair. Existing keys are never replaced, since
// artifacts sealed with them would become unreadable.
func (k *KeyPair) Init(passphrase string) error {
	if passphrase == "" {
		return fmt.Errorf("passphrase required")
	}
	if k.IsConfigured() {
		return fmt.Errorf("keys already exist at %s", filepath.Dir(k.privateKeyPath))
	}

	identity, err := age.GenerateX25519Identity()
	if err != nil {
		return fmt.Errorf("generating key pair: %w", err)
	}

	for _, p := range []string{k.publicKeyPath, k.privateKeyPath} {
		if err := os.MkdirAll(filepath.Dir(p), 0700); err != nil {
			return fmt.Errorf("creating key directory: %w", err)
		}
	}

	var sealed bytes.Buffer
	recipient, err := age.NewScryptRecipient(passphrase)
	if err != nil {
		return fmt.Errorf("creating scrypt recipient: %w", err)
	}
	w, err := age.Encrypt(&sealed, recipient)
	if err != nil {
		return fmt.Errorf("creating encrypted writer: %w", err)
	}
	if _, err := io.WriteString(w, identity.String()+"\n"); err != nil {
		return fmt.Errorf("writing encrypted private key: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("finalizing encrypted private key: %w", err)
	}

	if err := writeExclusive(k.privateKeyPath, sealed.Bytes(), 0600); err != nil {
		return fmt.Errorf("writing private key: %w", err)
	}
	if err := writeExclusive(k.publicKeyPath, []byte(identity.Recipient().String()+"\n"), 0644); err != nil {
		os.Remove(k.privateKeyPath)
		return fmt.Errorf("writing public key: %w", err)
	}
	return nil
}

// IsConfigured returns true if both key files exist.
func (k *KeyPair) IsConfigured() bool {
	if _, err := os.Stat(k.publicKeyPath); err != nil {
		return false
	}
	if _, err := os.Stat(k.privateKeyPath); err != nil {
		return false
	}
	return true
}

// Recipient returns the public key as an age recipient string.
func (k *KeyPair) Recipient() (string, error) {
	r, err := k.loadRecipient()
	if err != nil {
		return "", err
	}
	return fmt.Sprint(r), nil
}

// Seal encrypts an artifact to the public key. No passphrase is needed.
func (k *KeyPair) Seal(a *fk.Artifact) (*fk.Artifact, error) {
	recipient, err := k.loadRecipient()
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, recipient)
	if err != nil {
		return nil, fmt.Errorf("creating encrypted writer: %w", err)
	}
	if _, err := w.Write(a.Data); err != nil {
		return nil, fmt.Errorf("encrypting %s: %w", a.Name, err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("finalizing encryption: %w", err)
	}

	return &fk.Artifact{
		Name:        a.Name + SealedExt,
		ContentType: SealedContentType,
		Data:        buf.Bytes(),
	}, nil
}

// Unlock decrypts the private key with passphrase.
func (k *KeyPair) Unlock(passphrase string) (*Opener, error) {
	privData, err := os.ReadFile(k.privateKeyPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotConfigured
		}
		return nil, fmt.Errorf("reading private key file: %w", err)
	}

	scrypt, err := age.NewScryptIdentity(passphrase)
	if err != nil {
		return nil, fmt.Errorf("creating scrypt identity: %w", err)
	}
	r, err := age.Decrypt(bytes.NewReader(privData), scrypt)
	if err != nil {
		return nil, fmt.Errorf("decrypting private key: %w", err)
	}

	identities, err := age.ParseIdentities(r)
	if err != nil {
		return nil, fmt.Errorf("parsing private key: %w", err)
	}
	if len(identities) == 0 {
		return nil, fmt.Errorf("no identities found in private key")
	}
	return &Opener{identity: identities[0]}, nil
}

func (k *KeyPair) loadRecipient() (age.Recipient, error) {
	pubData, err := os.ReadFile(k.publicKeyPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotConfigured
		}
		return nil, fmt.Errorf("reading public key: %w", err)
	}

	recipients, err := age.ParseRecipients(bytes.NewReader(pubData))
	if err != nil {
		return nil, fmt.Errorf("parsing public key: %w", err)
	}
	if len(recipients) == 0 {
		return nil, fmt.Errorf("no recipients found in public key file")
	}
	return recipients[0], nil
}

// Opener holds an unlocked identity for reading sealed artifacts.
type Opener struct {
	identity age.Identity
}

// Open decrypts a sealed artifact read from r and writes the plaintext to w.
func (o *Opener) Open(r io.Reader, w io.Writer) error {
	dr, err := age.Decrypt(r, o.identity)
	if err != nil {
		return fmt.Errorf("creating decrypted reader: %w", err)
	}
	if _, err := io.Copy(w, dr); err != nil {
		return fmt.Errorf("decrypting data: %w", err)
	}
	return nil
}

// OpenedName strips the sealed extension from name.
func OpenedName(name string) string {
	return strings.TrimSuffix(name, SealedExt)
}

func writeExclusive(path string, data []byte, perm os.FileMode) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
