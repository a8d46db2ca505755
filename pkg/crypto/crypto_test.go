package crypto

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPasswordHashRoundTrip(t *testing.T) {
	hash, err := HashPassword("NuevaClave9!")
	require.NoError(t, err)
	require.NotEqual(t, "NuevaClave9!", hash)

	require.True(t, VerifyPassword(hash, "NuevaClave9!"))
	require.False(t, VerifyPassword(hash, "nuevaclave9!"))
}

func TestAnswerHashRoundTrip(t *testing.T) {
	hash, err := HashAnswer("fluffy the cat")
	require.NoError(t, err)

	require.True(t, VerifyAnswer(hash, "fluffy the cat"))
	require.False(t, VerifyAnswer(hash, "fluffy"))
}

func TestGenerateResetSecretShape(t *testing.T) {
	pattern := regexp.MustCompile(`^[0-9a-f]{64}$`)

	seen := map[string]bool{}
	for i := 0; i < 8; i++ {
		secret, err := GenerateResetSecret()
		require.NoError(t, err)
		require.Regexp(t, pattern, secret)
		require.False(t, seen[secret], "secrets must not repeat")
		seen[secret] = true
	}
}

func TestHashSecretDeterministic(t *testing.T) {
	secret, err := GenerateResetSecret()
	require.NoError(t, err)

	first := HashSecret(secret)
	require.Equal(t, first, HashSecret(secret))
	require.Len(t, first, 64)
	require.NotEqual(t, first, HashSecret(secret+"x"))
}

func TestGenerateTokenIsURLSafe(t *testing.T) {
	token, err := GenerateToken(48)
	require.NoError(t, err)
	require.NotContains(t, token, "+")
	require.NotContains(t, token, "/")
	require.NotContains(t, token, "=")
}
