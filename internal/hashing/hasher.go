package hashing

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/crypto/argon2"

	"marketplace-identity/internal/config"
)

var (
	ErrInvalidHash   = errors.New("invalid hash format")
	ErrUnknownPepper = errors.New("pepper version not found")
)

const algorithm = "argon2id-v1"

type Argon2Params struct {
	Memory      uint32
	Iterations  uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

type Pepper struct {
	Value   string
	Version int
}

// Hasher derives argon2id hashes mixed with a versioned server-side pepper.
// Older pepper versions stay verifiable after a rotation.
type Hasher struct {
	params        Argon2Params
	currentPepper Pepper
	oldPeppers    map[int]string
	phoneSalt     []byte
	mu            sync.RWMutex
}

type HashResult struct {
	Hash          string `json:"hash"`
	Salt          string `json:"salt"`
	PepperVersion int    `json:"pepper_version"`
	Algorithm     string `json:"algorithm"`
}

func NewHasher(cfg *config.Config) *Hasher {
	return NewHasherWithParams(Argon2Params{
		Memory:      cfg.Security.ArgonMemoryKiB,
		Iterations:  cfg.Security.ArgonTime,
		Parallelism: cfg.Security.ArgonThreads,
		SaltLength:  16,
		KeyLength:   32,
	}, Pepper{Value: cfg.Security.Pepper, Version: cfg.Security.PepperVersion}, cfg.Security.PhoneHashSalt)
}

func NewHasherWithParams(params Argon2Params, pepper Pepper, phoneSalt string) *Hasher {
	return &Hasher{
		params:        params,
		currentPepper: pepper,
		oldPeppers:    make(map[int]string),
		phoneSalt:     []byte(phoneSalt),
	}
}

// RotatePepper makes next the signing pepper and keeps the previous one for
// verification.
func (h *Hasher) RotatePepper(next Pepper) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.oldPeppers[h.currentPepper.Version] = h.currentPepper.Value
	h.currentPepper = next
}

func (h *Hasher) HashOTP(code, purpose string) (*HashResult, error) {
	return h.hashWithPepper(code, "otp:"+purpose)
}

func (h *Hasher) VerifyOTP(code, purpose string, hr *HashResult) (bool, error) {
	return h.verifyWithPepper(code, hr, "otp:"+purpose)
}

// HashPassword returns a self-describing encoded hash suitable for storage.
func (h *Hasher) HashPassword(password string) (string, error) {
	hr, err := h.hashWithPepper(password, "password")
	if err != nil {
		return "", err
	}
	return strings.Join([]string{hr.Algorithm, strconv.Itoa(hr.PepperVersion), hr.Salt, hr.Hash}, "$"), nil
}

func (h *Hasher) VerifyPassword(password, encoded string) (bool, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 4 || parts[0] != algorithm {
		return false, ErrInvalidHash
	}
	version, err := strconv.Atoi(parts[1])
	if err != nil {
		return false, ErrInvalidHash
	}
	return h.verifyWithPepper(password, &HashResult{
		Hash:          parts[3],
		Salt:          parts[2],
		PepperVersion: version,
		Algorithm:     parts[0],
	}, "password")
}

// PhoneHash is the deterministic lookup key for a normalized phone number.
func (h *Hasher) PhoneHash(phone string) string {
	mac := hmac.New(sha256.New, h.phoneSalt)
	mac.Write([]byte(phone))
	return hex.EncodeToString(mac.Sum(nil))
}

func (h *Hasher) hashWithPepper(data, context string) (*HashResult, error) {
	h.mu.RLock()
	pepper := h.currentPepper
	h.mu.RUnlock()

	salt := make([]byte, h.params.SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}

	// context keeps a hash from one purpose verifying under another
	hash := argon2.IDKey(
		[]byte(data+pepper.Value+context),
		salt,
		h.params.Iterations,
		h.params.Memory,
		h.params.Parallelism,
		h.params.KeyLength,
	)

	return &HashResult{
		Hash:          base64.RawURLEncoding.EncodeToString(hash),
		Salt:          base64.RawURLEncoding.EncodeToString(salt),
		PepperVersion: pepper.Version,
		Algorithm:     algorithm,
	}, nil
}

func (h *Hasher) verifyWithPepper(data string, hr *HashResult, context string) (bool, error) {
	pepper, err := h.getPepper(hr.PepperVersion)
	if err != nil {
		return false, err
	}

	salt, err := base64.RawURLEncoding.DecodeString(hr.Salt)
	if err != nil {
		return false, ErrInvalidHash
	}
	expected, err := base64.RawURLEncoding.DecodeString(hr.Hash)
	if err != nil || len(expected) == 0 {
		return false, ErrInvalidHash
	}

	computed := argon2.IDKey(
		[]byte(data+pepper+context),
		salt,
		h.params.Iterations,
		h.params.Memory,
		h.params.Parallelism,
		uint32(len(expected)),
	)

	return subtle.ConstantTimeCompare(computed, expected) == 1, nil
}

func (h *Hasher) getPepper(version int) (string, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.currentPepper.Version == version {
		return h.currentPepper.Value, nil
	}
	if v, ok := h.oldPeppers[version]; ok {
		return v, nil
	}
	return "", ErrUnknownPepper
}
