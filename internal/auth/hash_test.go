package auth

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/argon2"
)

func argon2Sum(key string, memory, time uint32, threads uint8) []byte {
	return argon2.IDKey([]byte(key), make([]byte, saltLen), time, memory, threads, argonKeyLen)
}

func TestHashAndVerify(t *testing.T) {
	hash, err := HashAPIKey("operator-key")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(hash, "$argon2id$v=19$m=65536,t=1,p=4$"))

	ok, err := VerifyAPIKey("operator-key", hash)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = VerifyAPIKey("other-key", hash)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestHashIsSalted(t *testing.T) {
	a, err := HashAPIKey("same")
	require.NoError(t, err)
	b, err := HashAPIKey("same")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestVerifyHonoursStoredParameters(t *testing.T) {
	// Hash of "k" with m=8,t=1,p=1 and a zero salt.
	hash := "$argon2id$v=19$m=8,t=1,p=1$AAAAAAAAAAAAAAAAAAAAAA$" +
		b64.EncodeToString(argon2Sum("k", 8, 1, 1))
	ok, err := VerifyAPIKey("k", hash)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestVerifyRejectsMalformedHash(t *testing.T) {
	tests := []struct {
		name string
		hash string
	}{
		{"empty", ""},
		{"legacy two-part", "c2FsdA==$aGFzaA=="},
		{"wrong algorithm", "$argon2i$v=19$m=8,t=1,p=1$AAAA$AAAA"},
		{"wrong version", "$argon2id$v=16$m=8,t=1,p=1$AAAA$AAAA"},
		{"bad params", "$argon2id$v=19$m=x,t=1,p=1$AAAA$AAAA"},
		{"zero cost", "$argon2id$v=19$m=0,t=1,p=1$AAAA$AAAA"},
		{"bad salt", "$argon2id$v=19$m=8,t=1,p=1$!!$AAAA"},
		{"empty hash", "$argon2id$v=19$m=8,t=1,p=1$AAAA$"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok, err := VerifyAPIKey("k", tt.hash)
			assert.ErrorIs(t, err, ErrInvalidHash)
			assert.False(t, ok)
		})
	}
}

func TestGenerateKey(t *testing.T) {
	key, hash, err := GenerateKey()
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(key, KeyPrefix))

	ok, err := VerifyAPIKey(key, hash)
	require.NoError(t, err)
	assert.True(t, ok)

	other, _, err := GenerateKey()
	require.NoError(t, err)
	assert.NotEqual(t, key, other)
}
