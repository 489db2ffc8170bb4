package webserver_test

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zsprackett/agent-relay/internal/webserver"
)

func TestAccessTokenRoundTrip(t *testing.T) {
	token, err := webserver.IssueAccessToken("test-secret", "alice", time.Hour)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	user, err := webserver.ValidateAccessToken("test-secret", token)
	require.NoError(t, err)
	assert.Equal(t, "alice", user)
}

func TestAccessTokenRejected(t *testing.T) {
	expired, _ := webserver.IssueAccessToken("s", "alice", -time.Minute)
	signedElsewhere, _ := webserver.IssueAccessToken("other", "alice", time.Hour)
	foreign, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Issuer:    "someone-else",
		Subject:   "alice",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString([]byte("s"))
	forever, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Issuer:  "agent-relay",
		Subject: "alice",
	}).SignedString([]byte("s"))
	unsigned, _ := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{
		Issuer:    "agent-relay",
		Subject:   "alice",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)

	for name, token := range map[string]string{
		"expired":        expired,
		"wrong secret":   signedElsewhere,
		"foreign issuer": foreign,
		"no expiry":      forever,
		"alg none":       unsigned,
		"garbage":        "not.a.token",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := webserver.ValidateAccessToken("s", token)
			assert.Error(t, err)
		})
	}
}
