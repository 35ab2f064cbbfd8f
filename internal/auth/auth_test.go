package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenRoundTrip(t *testing.T) {
	m := NewManager("secret-1", time.Hour)

	token, err := m.IssueToken("user-1")
	require.NoError(t, err)

	userID, err := m.ParseToken(token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", userID)
}

func TestParseToken_WrongSecret(t *testing.T) {
	token, err := NewManager("secret-1", time.Hour).IssueToken("user-1")
	require.NoError(t, err)

	_, err = NewManager("secret-2", time.Hour).ParseToken(token)
	assert.Error(t, err)
}

func TestParseToken_Expired(t *testing.T) {
	m := NewManager("secret-1", time.Hour)
	m.ttl = -time.Minute

	token, err := m.IssueToken("user-1")
	require.NoError(t, err)

	_, err = m.ParseToken(token)
	assert.Error(t, err)
}

func TestMiddleware(t *testing.T) {
	m := NewManager("secret-1", time.Hour)
	token, err := m.IssueToken("user-1")
	require.NoError(t, err)

	var seen string
	handler := m.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = UserID(r.Context())
	}))

	// Valid bearer token resolves to the subject.
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	handler.ServeHTTP(httptest.NewRecorder(), req)
	assert.Equal(t, "user-1", seen)

	// Missing and garbage tokens pass through anonymous.
	for _, header := range []string{"", "Bearer not-a-token", "Basic abc"} {
		seen = "sentinel"
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		handler.ServeHTTP(httptest.NewRecorder(), req)
		assert.Empty(t, seen, "header %q", header)
	}
}

func TestPasswordHashing(t *testing.T) {
	hash, err := HashPassword("hunter22")
	require.NoError(t, err)
	require.NotEqual(t, "hunter22", hash)

	match, err := VerifyPassword("hunter22", hash)
	require.NoError(t, err)
	assert.True(t, match)

	match, err = VerifyPassword("wrong", hash)
	require.NoError(t, err)
	assert.False(t, match)
}
