package rest

import (
	"net/http"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegister_Success(t *testing.T) {
	env := newTestEnv(t)
	userID, token := env.registerUser(t, "ada")
	assert.NotZero(t, userID)
	assert.NotEmpty(t, token)

	// The returned token works immediately.
	w := env.request(t, http.MethodGet, "/api/users/me", token, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRegister_DuplicateEmail(t *testing.T) {
	env := newTestEnv(t)
	env.registerUser(t, "ada")

	w := env.request(t, http.MethodPost, "/api/auth/register", "", gin.H{
		"email":    "ada@example.com",
		"username": "ada2",
		"password": "password1",
	})
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestRegister_InvalidBody(t *testing.T) {
	env := newTestEnv(t)
	w := env.request(t, http.MethodPost, "/api/auth/register", "", gin.H{
		"email":    "not-an-email",
		"username": "ada",
		"password": "password1",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.request(t, http.MethodPost, "/api/auth/register", "", gin.H{
		"email":    "ada@example.com",
		"username": "ada",
		"password": "shrt",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestLogin_Success(t *testing.T) {
	env := newTestEnv(t)
	env.registerUser(t, "ada")

	w := env.request(t, http.MethodPost, "/api/auth/login", "", gin.H{
		"email":    "ada@example.com",
		"password": "password1",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp struct {
		Token    string `json:"token"`
		Username string `json:"username"`
	}
	decodeBody(t, w, &resp)
	assert.NotEmpty(t, resp.Token)
	assert.Equal(t, "ada", resp.Username)
}

func TestLogin_WrongPassword(t *testing.T) {
	env := newTestEnv(t)
	env.registerUser(t, "ada")

	w := env.request(t, http.MethodPost, "/api/auth/login", "", gin.H{
		"email":    "ada@example.com",
		"password": "wrong-password",
	})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestLogin_UnknownEmail(t *testing.T) {
	env := newTestEnv(t)
	w := env.request(t, http.MethodPost, "/api/auth/login", "", gin.H{
		"email":    "nobody@example.com",
		"password": "password1",
	})
	// Same status as a wrong password so emails cannot be probed.
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestLogout_InvalidatesToken(t *testing.T) {
	env := newTestEnv(t)
	_, token := env.registerUser(t, "ada")

	w := env.request(t, http.MethodPost, "/api/auth/logout", token, nil)
	require.Equal(t, http.StatusOK, w.Code)

	// The session entry is gone, so the token no longer authenticates.
	w = env.request(t, http.MethodGet, "/api/users/me", token, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRefresh_RotatesToken(t *testing.T) {
	env := newTestEnv(t)
	_, token := env.registerUser(t, "ada")

	w := env.request(t, http.MethodPost, "/api/auth/refresh", token, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Token string `json:"token"`
	}
	decodeBody(t, w, &resp)
	require.NotEmpty(t, resp.Token)

	// Old token is dead, new token works.
	w = env.request(t, http.MethodGet, "/api/users/me", token, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	w = env.request(t, http.MethodGet, "/api/users/me", resp.Token, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestProtectedRoute_NoToken(t *testing.T) {
	env := newTestEnv(t)
	w := env.request(t, http.MethodGet, "/api/users/me", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}
