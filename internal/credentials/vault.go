package credentials

import (
	"bytes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	blobMagic = "RWC1"
	saltSize  = 16

	argonTime    = 1
	argonMemory  = 64 * 1024
	argonThreads = 4
)

var (
	// ErrNotFound means no credential has been saved yet.
	ErrNotFound = errors.New("credentials: no stored credential")
	// ErrCorrupt means the stored blob is malformed or was sealed for another user or machine.
	ErrCorrupt = errors.New("credentials: stored credential cannot be opened")

	machineIDPaths = []string{"/etc/machine-id", "/var/lib/dbus/machine-id"}
)

// ScopeFunc returns the secret material that binds a blob to a user and machine.
type ScopeFunc func() (string, error)

type Config struct {
	Path string
	// Fallback is returned by APIKey when nothing is stored.
	Fallback string
	Scope    ScopeFunc
	Logger   *zap.Logger
}

// Vault keeps the API key encrypted at rest.
type Vault struct {
	path     string
	fallback string
	scope    ScopeFunc
	logger   *zap.Logger

	mu     sync.Mutex
	cached string
	loaded bool
}

func NewVault(cfg Config) (*Vault, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("credentials: vault path is required")
	}
	scope := cfg.Scope
	if scope == nil {
		scope = MachineScope
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Vault{
		path:     path,
		fallback: strings.TrimSpace(cfg.Fallback),
		scope:    scope,
		logger:   logger,
	}, nil
}

// Save seals secret and replaces the stored blob.
func (v *Vault) Save(secret string) error {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return errors.New("credentials: secret is empty")
	}
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return fmt.Errorf("credentials: generate salt: %w", err)
	}
	aead, err := v.cipher(salt)
	if err != nil {
		return err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("credentials: generate nonce: %w", err)
	}

	blob := make([]byte, 0, len(blobMagic)+saltSize+len(nonce)+len(secret)+aead.Overhead())
	blob = append(blob, blobMagic...)
	blob = append(blob, salt...)
	blob = append(blob, nonce...)
	blob = aead.Seal(blob, nonce, []byte(secret), []byte(blobMagic))

	if err := writeFileAtomic(v.path, blob); err != nil {
		return fmt.Errorf("credentials: write %s: %w", v.path, err)
	}

	v.mu.Lock()
	v.cached = secret
	v.loaded = true
	v.mu.Unlock()
	return nil
}

// Load opens the stored blob.
func (v *Vault) Load() (string, error) {
	blob, err := os.ReadFile(v.path)
	if errors.Is(err, os.ErrNotExist) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("credentials: read %s: %w", v.path, err)
	}
	if !bytes.HasPrefix(blob, []byte(blobMagic)) || len(blob) < len(blobMagic)+saltSize+chacha20poly1305.NonceSizeX {
		return "", ErrCorrupt
	}
	rest := blob[len(blobMagic):]
	salt, rest := rest[:saltSize], rest[saltSize:]
	nonce, sealed := rest[:chacha20poly1305.NonceSizeX], rest[chacha20poly1305.NonceSizeX:]

	aead, err := v.cipher(salt)
	if err != nil {
		return "", err
	}
	plain, err := aead.Open(nil, nonce, sealed, []byte(blobMagic))
	if err != nil {
		return "", ErrCorrupt
	}
	return string(plain), nil
}

// Clear removes the stored blob.
func (v *Vault) Clear() error {
	if err := os.Remove(v.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("credentials: remove %s: %w", v.path, err)
	}
	v.mu.Lock()
	v.cached = ""
	v.loaded = false
	v.mu.Unlock()
	return nil
}

// APIKey returns the stored key, or the configured fallback when none can be opened.
func (v *Vault) APIKey() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.loaded {
		secret, err := v.Load()
		switch {
		case err == nil:
			v.cached = secret
		case errors.Is(err, ErrNotFound):
		default:
			v.logger.Warn("stored api key unavailable", zap.String("path", v.path), zap.Error(err))
		}
		v.loaded = true
	}
	if v.cached != "" {
		return v.cached
	}
	return v.fallback
}

func (v *Vault) cipher(salt []byte) (cipher.AEAD, error) {
	scope, err := v.scope()
	if err != nil {
		return nil, fmt.Errorf("credentials: resolve scope: %w", err)
	}
	key := argon2.IDKey([]byte(scope), salt, argonTime, argonMemory, argonThreads, chacha20poly1305.KeySize)
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("credentials: init cipher: %w", err)
	}
	return aead, nil
}

// MachineScope binds blobs to the machine id and the current OS user.
func MachineScope() (string, error) {
	machineID := ""
	for _, path := range machineIDPaths {
		if content, err := os.ReadFile(path); err == nil {
			machineID = strings.TrimSpace(string(content))
			if machineID != "" {
				break
			}
		}
	}
	if machineID == "" {
		hostname, err := os.Hostname()
		if err != nil {
			return "", err
		}
		machineID = hostname
	}
	current, err := user.Current()
	if err != nil {
		return "", err
	}
	return machineID + "|" + current.Uid + "|" + current.Username, nil
}

func writeFileAtomic(path string, content []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return os.Rename(tmpPath, path)
}
