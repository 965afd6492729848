package hasher

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fastParams = Params{Memory: 1024, Iterations: 1, Parallelism: 1, SaltLength: 16, KeyLength: 32}

func TestHashAndVerify(t *testing.T) {
	h := NewArgon2(fastParams)
	ctx := context.Background()

	encoded, err := h.Hash(ctx, "correct horse")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(encoded, "$argon2id$v=19$m=1024,t=1,p=1$"))

	ok, err := h.Verify(ctx, "correct horse", encoded)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = h.Verify(ctx, "battery staple", encoded)
	require.NoError(t, err)
	assert.False(t, ok)

	again, err := h.Hash(ctx, "correct horse")
	require.NoError(t, err)
	assert.NotEqual(t, encoded, again, "salt must differ")
}

func TestVerifyUsesStoredParams(t *testing.T) {
	encoded, err := NewArgon2(fastParams).Hash(context.Background(), "pw")
	require.NoError(t, err)

	ok, err := NewArgon2(DefaultParams).Verify(context.Background(), "pw", encoded)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestVerifyMalformed(t *testing.T) {
	h := NewArgon2(fastParams)
	for _, encoded := range []string{
		"",
		"plaintext",
		"$bcrypt$v=19$m=1,t=1,p=1$c2FsdA$a2V5",
		"$argon2id$v=18$m=1,t=1,p=1$c2FsdA$a2V5",
		"$argon2id$v=19$m=x,t=1,p=1$c2FsdA$a2V5",
		"$argon2id$v=19$m=1,t=1,p=1$!!$a2V5",
	} {
		_, err := h.Verify(context.Background(), "pw", encoded)
		assert.ErrorIs(t, err, ErrMalformedHash, encoded)
	}
}
