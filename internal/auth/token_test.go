package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateAPIKeyTokenIsHexOfExpectedLength(t *testing.T) {
	tok, err := GenerateAPIKeyToken()
	require.NoError(t, err)
	assert.Len(t, tok, apiKeyTokenBytes*2)

	tok2, err := GenerateAPIKeyToken()
	require.NoError(t, err)
	assert.NotEqual(t, tok, tok2)
}

func TestGenerateSessionTokenIsHexOfExpectedLength(t *testing.T) {
	tok, err := GenerateSessionToken()
	require.NoError(t, err)
	assert.Len(t, tok, sessionTokenBytes*2)
}

func TestGenerateInvitationTokenLengthByLifetime(t *testing.T) {
	short, err := GenerateInvitationToken(false)
	require.NoError(t, err)
	assert.Len(t, short, invitationShortChars)

	long, err := GenerateInvitationToken(true)
	require.NoError(t, err)
	assert.Len(t, long, invitationLongChars)

	for _, c := range short + long {
		assert.Contains(t, invitationAlphabet, string(c))
	}
}

func TestHashTokenIsDeterministicAndDoesNotLeakInput(t *testing.T) {
	h1 := HashToken("supersecret")
	h2 := HashToken("supersecret")
	assert.Equal(t, h1, h2)
	assert.NotEqual(t, "supersecret", h1)

	h3 := HashToken("different")
	assert.NotEqual(t, h1, h3)
}

func TestConstantTimeEqual(t *testing.T) {
	a := HashToken("token-a")
	assert.True(t, ConstantTimeEqual(a, a))
	assert.False(t, ConstantTimeEqual(a, HashToken("token-b")))
}
