package authn

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func TestPasswordHasher_HashAndVerify(t *testing.T) {
	h := NewPasswordHasher(12)

	encoded, err := h.Hash("correct horse battery staple")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(encoded, "$argon2id$"))

	ok, err := h.Verify("correct horse battery staple", encoded)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = h.Verify("wrong password", encoded)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPasswordHasher_UniqueSalts(t *testing.T) {
	h := NewPasswordHasher(12)

	first, err := h.Hash("same password")
	require.NoError(t, err)
	second, err := h.Hash("same password")
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
}

func TestPasswordHasher_BcryptFallback(t *testing.T) {
	h := NewPasswordHasher(12)

	legacy, err := bcrypt.GenerateFromPassword([]byte("legacy secret"), bcrypt.MinCost)
	require.NoError(t, err)

	ok, err := h.Verify("legacy secret", string(legacy))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = h.Verify("not it", string(legacy))
	require.NoError(t, err)
	assert.False(t, ok)

	assert.True(t, h.NeedsRehash(string(legacy)))
}

func TestPasswordHasher_NeedsRehash(t *testing.T) {
	h := NewPasswordHasher(12)

	current, err := h.Hash("a password")
	require.NoError(t, err)
	assert.False(t, h.NeedsRehash(current))

	// Hash recorded with weaker parameters than current policy.
	weak := "$argon2id$v=19$m=8192,t=1,p=1$c2FsdHNhbHRzYWx0c2FsdA$aGFzaGhhc2hoYXNoaGFzaGhhc2hoYXNoaGFzaGhhc2g"
	assert.True(t, h.NeedsRehash(weak))

	assert.True(t, h.NeedsRehash("garbage"))
}

func TestPasswordHasher_RejectsUnknownEncoding(t *testing.T) {
	h := NewPasswordHasher(12)

	_, err := h.Verify("anything", "plaintext-not-a-hash")
	require.Error(t, err)
}
