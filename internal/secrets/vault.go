package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/savaki/ftp-deployer/internal/errors"
	"golang.org/x/crypto/scrypt"
)

const (
	vaultVersion = 1

	// scrypt parameters for deriving the vault key from the passphrase
	scryptN = 1 << 15
	scryptR = 8
	scryptP = 1
	keyLen  = 32

	saltLen  = 16
	nonceLen = 12

	// canary is encrypted at init so Open can reject a wrong passphrase
	// before any secret is touched
	canaryName  = "__vault_check"
	canaryValue = "ftp-deployer"
)

// Vault is an encrypted file of named deployment secrets. Values are sealed
// with AES-256-GCM under a key derived from the operator passphrase via
// scrypt; the secret name is bound as additional authenticated data so a
// ciphertext cannot be silently reassigned to a different name.
type Vault struct {
	path string
	key  []byte
	salt []byte

	mu      sync.RWMutex
	secrets map[string]string // name -> base64(nonce || ciphertext)
}

type vaultFile struct {
	Version int               `json:"version"`
	Salt    string            `json:"salt"`
	Secrets map[string]string `json:"secrets"`
}

// Init creates a new vault at path. Fails if the file already exists.
func Init(path string, passphrase []byte) (*Vault, error) {
	if _, err := os.Stat(path); err == nil {
		return nil, fmt.Errorf("vault already exists at %s", path)
	}

	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}

	key, err := deriveKey(passphrase, salt)
	if err != nil {
		return nil, err
	}

	v := &Vault{
		path:    path,
		key:     key,
		salt:    salt,
		secrets: map[string]string{},
	}

	canary, err := v.seal(canaryName, []byte(canaryValue))
	if err != nil {
		return nil, err
	}
	v.secrets[canaryName] = canary

	if err := v.save(); err != nil {
		return nil, err
	}
	return v, nil
}

// Open loads an existing vault and verifies the passphrase
func Open(path string, passphrase []byte) (*Vault, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s", errors.ErrVaultNotInitialized, path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read vault: %w", err)
	}

	var file vaultFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse vault: %w", err)
	}
	if file.Version != vaultVersion {
		return nil, fmt.Errorf("unsupported vault version %d", file.Version)
	}

	salt, err := base64.StdEncoding.DecodeString(file.Salt)
	if err != nil {
		return nil, fmt.Errorf("failed to decode vault salt: %w", err)
	}

	key, err := deriveKey(passphrase, salt)
	if err != nil {
		return nil, err
	}

	v := &Vault{
		path:    path,
		key:     key,
		salt:    salt,
		secrets: file.Secrets,
	}
	if v.secrets == nil {
		v.secrets = map[string]string{}
	}

	// Decrypting the canary proves the passphrase before any real secret
	// is requested
	if sealed, ok := v.secrets[canaryName]; ok {
		if _, err := v.open(canaryName, sealed); err != nil {
			return nil, fmt.Errorf("wrong vault passphrase")
		}
	}

	return v, nil
}

// Set encrypts and stores a secret, then persists the vault
func (v *Vault) Set(name, value string) error {
	if name == "" {
		return fmt.Errorf("secret name is required")
	}

	sealed, err := v.seal(name, []byte(value))
	if err != nil {
		return err
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	v.secrets[name] = sealed
	return v.save()
}

// Get decrypts a secret by name
func (v *Vault) Get(name string) (string, error) {
	v.mu.RLock()
	sealed, ok := v.secrets[name]
	v.mu.RUnlock()

	if !ok {
		return "", fmt.Errorf("%w: %s", errors.ErrSecretNotFound, name)
	}

	plain, err := v.open(name, sealed)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt secret %s: %w", name, err)
	}
	return string(plain), nil
}

// Delete removes a secret and persists the vault. Deleting a secret that
// does not exist is not an error.
func (v *Vault) Delete(name string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if _, ok := v.secrets[name]; !ok {
		return nil
	}
	delete(v.secrets, name)
	return v.save()
}

// Names lists the stored secret names in sorted order
func (v *Vault) Names() []string {
	v.mu.RLock()
	defer v.mu.RUnlock()

	names := make([]string, 0, len(v.secrets))
	for name := range v.secrets {
		if name == canaryName {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Path returns the vault file location
func (v *Vault) Path() string {
	return v.path
}

// seal encrypts value with a fresh nonce, binding name as AAD
func (v *Vault) seal(name string, value []byte) (string, error) {
	gcm, err := v.aead()
	if err != nil {
		return "", err
	}

	nonce := make([]byte, nonceLen)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := gcm.Seal(nonce, nonce, value, []byte(name))
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// open reverses seal
func (v *Vault) open(name, sealed string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return nil, err
	}
	if len(raw) < nonceLen {
		return nil, fmt.Errorf("ciphertext too short")
	}

	gcm, err := v.aead()
	if err != nil {
		return nil, err
	}

	return gcm.Open(nil, raw[:nonceLen], raw[nonceLen:], []byte(name))
}

func (v *Vault) aead() (cipher.AEAD, error) {
	block, err := aes.NewCipher(v.key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// save writes the vault atomically with owner-only permissions
func (v *Vault) save() error {
	file := vaultFile{
		Version: vaultVersion,
		Salt:    base64.StdEncoding.EncodeToString(v.salt),
		Secrets: v.secrets,
	}

	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode vault: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(v.path), 0o700); err != nil {
		return fmt.Errorf("failed to create vault directory: %w", err)
	}

	tmp := v.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write vault: %w", err)
	}
	if err := os.Rename(tmp, v.path); err != nil {
		return fmt.Errorf("failed to write vault: %w", err)
	}
	return nil
}

func deriveKey(passphrase, salt []byte) ([]byte, error) {
	if len(passphrase) == 0 {
		return nil, fmt.Errorf("vault passphrase is required")
	}

	key, err := scrypt.Key(passphrase, salt, scryptN, scryptR, scryptP, keyLen)
	if err != nil {
		return nil, fmt.Errorf("failed to derive vault key: %w", err)
	}
	return key, nil
}
