// Package auth guards the operator surface. Operators present a bearer key;
// the server only ever stores its Argon2id hash.
package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

const (
	argonTime    = 1
	argonMemory  = 64 * 1024 // 64 MB
	argonThreads = 4
	argonKeyLen  = 32
	saltLen      = 16
	keyBytes     = 32

	// KeyPrefix marks generated operator keys so they are recognisable in
	// logs and secret scanners.
	KeyPrefix = "tzk_"
)

// ErrInvalidHash is returned when a stored hash cannot be parsed.
var ErrInvalidHash = errors.New("auth: invalid hash format")

var b64 = base64.RawStdEncoding

// GenerateKey returns a new random operator key and its hash. The key is
// shown once; only the hash belongs in configuration.
func GenerateKey() (key, hash string, err error) {
	raw := make([]byte, keyBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", "", fmt.Errorf("auth: generate key: %w", err)
	}
	key = KeyPrefix + base64.RawURLEncoding.EncodeToString(raw)
	hash, err = HashAPIKey(key)
	if err != nil {
		return "", "", err
	}
	return key, hash, nil
}

// HashAPIKey hashes a key with Argon2id and returns it in PHC string form:
// $argon2id$v=19$m=65536,t=1,p=4$<salt>$<hash>.
func HashAPIKey(apiKey string) (string, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("auth: generate salt: %w", err)
	}
	sum := argon2.IDKey([]byte(apiKey), salt, argonTime, argonMemory, argonThreads, argonKeyLen)
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, argonMemory, argonTime, argonThreads,
		b64.EncodeToString(salt), b64.EncodeToString(sum)), nil
}

// DummyVerify spends the same Argon2id cost as a real verification. Call it
// on failure paths that skip verification so timing does not reveal which
// check failed.
func DummyVerify() {
	argon2.IDKey([]byte("dummy"), make([]byte, saltLen), argonTime, argonMemory, argonThreads, argonKeyLen)
}

// VerifyAPIKey checks a key against a PHC-encoded Argon2id hash. Cost
// parameters are read from the hash so keys hashed under older settings
// still verify.
func VerifyAPIKey(apiKey, encoded string) (bool, error) {
	p, err := decodeHash(encoded)
	if err != nil {
		return false, err
	}
	sum := argon2.IDKey([]byte(apiKey), p.salt, p.time, p.memory, p.threads, uint32(len(p.sum)))
	return subtle.ConstantTimeCompare(p.sum, sum) == 1, nil
}

type params struct {
	memory  uint32
	time    uint32
	threads uint8
	salt    []byte
	sum     []byte
}

func decodeHash(encoded string) (params, error) {
	// "", "argon2id", "v=19", "m=..,t=..,p=..", salt, hash
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[0] != "" || parts[1] != "argon2id" {
		return params{}, ErrInvalidHash
	}
	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil || version != argon2.Version {
		return params{}, fmt.Errorf("%w: unsupported version", ErrInvalidHash)
	}
	var p params
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &p.memory, &p.time, &p.threads); err != nil {
		return params{}, fmt.Errorf("%w: parameters: %v", ErrInvalidHash, err)
	}
	if p.memory == 0 || p.time == 0 || p.threads == 0 {
		return params{}, fmt.Errorf("%w: zero cost parameter", ErrInvalidHash)
	}
	var err error
	if p.salt, err = b64.DecodeString(parts[4]); err != nil {
		return params{}, fmt.Errorf("%w: salt: %v", ErrInvalidHash, err)
	}
	if p.sum, err = b64.DecodeString(parts[5]); err != nil || len(p.sum) == 0 {
		return params{}, fmt.Errorf("%w: hash", ErrInvalidHash)
	}
	return p, nil
}
