package secret

import (
	"crypto/sha256"
	"encoding/base64"
	"regexp"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewStateIsUnpaddedAndUnique(t *testing.T) {
	p := NewProvider()
	seen := map[string]struct{}{}
	for i := 0; i < 64; i++ {
		state, err := p.NewState()
		require.NoError(t, err)
		require.Len(t, state, 43)
		require.NotContains(t, state, "=")
		raw, err := base64.RawURLEncoding.DecodeString(state)
		require.NoError(t, err)
		require.Len(t, raw, StateBytes)
		_, dup := seen[state]
		require.False(t, dup)
		seen[state] = struct{}{}
	}
}

func TestNewPKCEChallengeMatchesVerifier(t *testing.T) {
	pair, err := NewProvider().NewPKCE()
	require.NoError(t, err)

	sum := sha256.Sum256([]byte(pair.Verifier))
	require.Equal(t, base64.RawURLEncoding.EncodeToString(sum[:]), pair.Challenge)
	require.Equal(t, pair.Challenge, Challenge(pair.Verifier))
}

func TestNewSessionIDFormat(t *testing.T) {
	id, err := NewProvider().NewSessionID()
	require.NoError(t, err)
	require.Regexp(t, regexp.MustCompile(`^[0-9a-f]{32}$`), id)
}

func TestFingerprint(t *testing.T) {
	id := "0123456789abcdef0123456789abcdef"
	ref := Fingerprint(id)
	require.Regexp(t, regexp.MustCompile(`^[0-9a-f]{12}$`), ref)
	require.Equal(t, ref, Fingerprint(id))
	require.NotContains(t, id, ref)
	require.NotEqual(t, ref, Fingerprint("other"))
}

func TestHashToken(t *testing.T) {
	sum := sha256.Sum256([]byte("refresh-token-enc"))
	require.Equal(t, base64.StdEncoding.EncodeToString(sum[:]), HashToken("refresh-token-enc"))
	require.NotEqual(t, HashToken("a"), HashToken("b"))
}
