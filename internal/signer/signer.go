// Package signer holds the process identity: an ed25519 key that is stored
// encrypted at rest and must be unlocked with a passphrase before use.
package signer

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/crypto/nacl/secretbox"
	"golang.org/x/crypto/scrypt"
)

var (
	ErrNoKey         = errors.New("signer: no identity key")
	ErrLocked        = errors.New("signer: identity is locked")
	ErrBadPassphrase = errors.New("signer: wrong passphrase")
)

// scrypt cost parameters; N = 1<<logN. Tests lower sealLogN.
const (
	defaultLogN = 15
	scryptR     = 8
	scryptP     = 1
)

var sealLogN = defaultLogN

// keyFile is the on-disk form of an encrypted identity.
type keyFile struct {
	Version   int    `json:"version"`
	PublicKey string `json:"public_key"`
	Salt      string `json:"salt"`
	Nonce     string `json:"nonce"`
	Sealed    string `json:"sealed"`
	LogN      int    `json:"log_n"`
}

// Signer is safe for concurrent use.
type Signer struct {
	mu     sync.RWMutex
	file   *keyFile
	public ed25519.PublicKey
	priv   ed25519.PrivateKey // nil while locked
}

// New returns a signer with no identity. Load or Generate gives it one.
func New() *Signer { return &Signer{} }

// Generate creates a fresh identity sealed with pass and leaves it unlocked.
func (s *Signer) Generate(pass string) error {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("signer: generate: %w", err)
	}
	kf, err := seal(priv, pass)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.file, s.public, s.priv = kf, pub, priv
	s.mu.Unlock()
	return nil
}

// Load reads an encrypted identity. The signer stays locked.
func (s *Signer) Load(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("signer: load: %w", err)
	}
	var kf keyFile
	if err := json.Unmarshal(b, &kf); err != nil {
		return fmt.Errorf("signer: decode %s: %w", path, err)
	}
	pub, err := hex.DecodeString(kf.PublicKey)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return fmt.Errorf("signer: %s: bad public key", path)
	}
	s.mu.Lock()
	s.file, s.public, s.priv = &kf, ed25519.PublicKey(pub), nil
	s.mu.Unlock()
	return nil
}

// Save writes the encrypted identity to path with owner-only permissions.
func (s *Signer) Save(path string) error {
	s.mu.RLock()
	kf := s.file
	s.mu.RUnlock()
	if kf == nil {
		return ErrNoKey
	}
	b, err := json.MarshalIndent(kf, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Unlock decrypts the private key.
func (s *Signer) Unlock(pass string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return ErrNoKey
	}
	priv, err := open(s.file, pass)
	if err != nil {
		return err
	}
	if !priv.Public().(ed25519.PublicKey).Equal(s.public) {
		return fmt.Errorf("signer: key file public key mismatch")
	}
	s.priv = priv
	return nil
}

// Lock forgets the decrypted private key.
func (s *Signer) Lock() {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.priv)
	s.priv = nil
}

// PublicKey returns the identity's public key (hex) or "" without an identity.
func (s *Signer) PublicKey() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.public == nil {
		return ""
	}
	return hex.EncodeToString(s.public)
}

func (s *Signer) HasKey() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.file != nil
}

// IsReady reports whether Sign would succeed.
func (s *Signer) IsReady() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.priv != nil
}

func (s *Signer) Sign(msg []byte) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	switch {
	case s.file == nil:
		return nil, ErrNoKey
	case s.priv == nil:
		return nil, ErrLocked
	}
	return ed25519.Sign(s.priv, msg), nil
}

// Verify checks sig over msg against a hex public key.
func Verify(publicHex string, msg, sig []byte) bool {
	pub, err := hex.DecodeString(publicHex)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(pub, msg, sig)
}

func deriveKey(pass string, salt []byte, logN int) (*[32]byte, error) {
	k, err := scrypt.Key([]byte(pass), salt, 1<<logN, scryptR, scryptP, 32)
	if err != nil {
		return nil, fmt.Errorf("signer: derive key: %w", err)
	}
	var key [32]byte
	copy(key[:], k)
	clear(k)
	return &key, nil
}

func seal(priv ed25519.PrivateKey, pass string) (*keyFile, error) {
	var salt [16]byte
	var nonce [24]byte
	if _, err := rand.Read(salt[:]); err != nil {
		return nil, err
	}
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, err
	}
	logN := sealLogN
	key, err := deriveKey(pass, salt[:], logN)
	if err != nil {
		return nil, err
	}
	sealed := secretbox.Seal(nil, priv.Seed(), &nonce, key)
	return &keyFile{
		Version:   1,
		PublicKey: hex.EncodeToString(priv.Public().(ed25519.PublicKey)),
		Salt:      hex.EncodeToString(salt[:]),
		Nonce:     hex.EncodeToString(nonce[:]),
		Sealed:    hex.EncodeToString(sealed),
		LogN:      logN,
	}, nil
}

func open(kf *keyFile, pass string) (ed25519.PrivateKey, error) {
	salt, err1 := hex.DecodeString(kf.Salt)
	nonceB, err2 := hex.DecodeString(kf.Nonce)
	sealed, err3 := hex.DecodeString(kf.Sealed)
	if err := errors.Join(err1, err2, err3); err != nil || len(nonceB) != 24 {
		return nil, fmt.Errorf("signer: corrupt key file: %v", err)
	}
	logN := kf.LogN
	if logN <= 0 {
		logN = defaultLogN
	}
	key, err := deriveKey(pass, salt, logN)
	if err != nil {
		return nil, err
	}
	var nonce [24]byte
	copy(nonce[:], nonceB)
	seed, ok := secretbox.Open(nil, sealed, &nonce, key)
	if !ok || len(seed) != ed25519.SeedSize {
		return nil, ErrBadPassphrase
	}
	return ed25519.NewKeyFromSeed(seed), nil
}
