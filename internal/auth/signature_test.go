package auth

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignAndVerify(t *testing.T) {
	secret := "test-secret"
	body := []byte(`{"amount_cents":50230}`)
	now := time.Now().UTC()
	ts := now.Unix()

	sig := Sign(secret, ts, body)
	require.NotEmpty(t, sig)

	assert.NoError(t, Verify(secret, sig, ts, body, now))

	t.Run("wrong secret", func(t *testing.T) {
		assert.ErrorIs(t, Verify("other-secret", sig, ts, body, now), ErrInvalidSignature)
	})
	t.Run("tampered body", func(t *testing.T) {
		assert.ErrorIs(t, Verify(secret, sig, ts, []byte(`{"amount_cents":99999}`), now), ErrInvalidSignature)
	})
	t.Run("tampered timestamp", func(t *testing.T) {
		assert.ErrorIs(t, Verify(secret, sig, ts+1, body, now), ErrInvalidSignature)
	})
	t.Run("stale timestamp", func(t *testing.T) {
		old := now.Add(-MaxSignatureSkew - time.Second).Unix()
		staleSig := Sign(secret, old, body)
		assert.ErrorIs(t, Verify(secret, staleSig, old, body, now), ErrStaleTimestamp)
	})
	t.Run("future timestamp beyond skew", func(t *testing.T) {
		future := now.Add(MaxSignatureSkew + time.Second).Unix()
		futureSig := Sign(secret, future, body)
		assert.ErrorIs(t, Verify(secret, futureSig, future, body, now), ErrStaleTimestamp)
	})
	t.Run("timestamp within skew", func(t *testing.T) {
		recent := now.Add(-MaxSignatureSkew + time.Second).Unix()
		recentSig := Sign(secret, recent, body)
		assert.NoError(t, Verify(secret, recentSig, recent, body, now))
	})
}

func TestSignDeterministic(t *testing.T) {
	sig1 := Sign("s", 1700000000, []byte("x"))
	sig2 := Sign("s", 1700000000, []byte("x"))
	assert.Equal(t, sig1, sig2)
	assert.Len(t, sig1, 64) // hex SHA-256
}

func TestConversationToken(t *testing.T) {
	initiator, target := uuid.New(), uuid.New()
	at := time.Now().UTC()

	tok1 := ConversationToken("server-secret", initiator, target, at, "nonce-1")
	tok2 := ConversationToken("server-secret", initiator, target, at, "nonce-1")
	assert.Equal(t, tok1, tok2)

	assert.NotEqual(t, tok1, ConversationToken("server-secret", initiator, target, at, "nonce-2"))
	assert.NotEqual(t, tok1, ConversationToken("other-secret", initiator, target, at, "nonce-1"))
	assert.NotEqual(t, tok1, ConversationToken("server-secret", target, initiator, at, "nonce-1"))
}

func TestNewSigningSecret(t *testing.T) {
	a, err := NewSigningSecret()
	require.NoError(t, err)
	b, err := NewSigningSecret()
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
	assert.NotEmpty(t, a)
}

func TestAdminKeyHash(t *testing.T) {
	encoded, err := HashAdminKey("super-secret-key")
	require.NoError(t, err)

	ok, err := VerifyAdminKey("super-secret-key", encoded)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = VerifyAdminKey("wrong-key", encoded)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = VerifyAdminKey("anything", "not-a-hash")
	assert.Error(t, err)
}

func TestJWTManagerRoundTrip(t *testing.T) {
	mgr, err := NewJWTManager("", "", time.Hour)
	require.NoError(t, err)

	token, exp, err := mgr.IssueAdminToken("ops@example.com")
	require.NoError(t, err)
	assert.True(t, exp.After(time.Now()))

	claims, err := mgr.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "ops@example.com", claims.Operator)
	assert.True(t, claims.Admin)

	t.Run("token from another key fails", func(t *testing.T) {
		other, err := NewJWTManager("", "", time.Hour)
		require.NoError(t, err)
		otherToken, _, err := other.IssueAdminToken("ops@example.com")
		require.NoError(t, err)
		_, err = mgr.ValidateToken(otherToken)
		assert.Error(t, err)
	})
}
