package tests

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hermit-sh/hermit/internal/api/http/dto"
	"github.com/hermit-sh/hermit/internal/auth"
)

func TestAuthFlows(t *testing.T, router *gin.Engine, jwtConfig auth.Config) {
	t.Run("register success", func(t *testing.T) {
		body := dto.RegisterRequest{Email: "alice@example.com", Password: "password123"}
		rr := doJSON(router, "POST", "/api/auth/register", body)

		assert.Equal(t, http.StatusCreated, rr.Code)

		var resp dto.RegisterResponse
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
		assert.Equal(t, "alice@example.com", resp.Email)
		assert.NotEmpty(t, resp.ID)
	})

	t.Run("duplicate email", func(t *testing.T) {
		body := dto.RegisterRequest{Email: "dup@example.com", Password: "password123"}
		rr := doJSON(router, "POST", "/api/auth/register", body)
		require.Equal(t, http.StatusCreated, rr.Code)

		rr = doJSON(router, "POST", "/api/auth/register", body)
		assert.Equal(t, http.StatusConflict, rr.Code)
	})

	t.Run("invalid email", func(t *testing.T) {
		body := dto.RegisterRequest{Email: "not-an-email", Password: "password123"}
		rr := doJSON(router, "POST", "/api/auth/register", body)
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("password too short", func(t *testing.T) {
		body := dto.RegisterRequest{Email: "short@example.com", Password: "short"}
		rr := doJSON(router, "POST", "/api/auth/register", body)
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("login success", func(t *testing.T) {
		user := registerUser(t, router, "login@example.com")

		body := dto.LoginRequest{Email: "login@example.com", Password: "password123"}
		rr := doJSON(router, "POST", "/api/auth/login", body)
		assert.Equal(t, http.StatusOK, rr.Code)

		var resp dto.LoginResponse
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
		require.NotEmpty(t, resp.AccessToken)
		require.NotEmpty(t, resp.RefreshToken)

		claims, err := auth.VerifyToken(jwtConfig, resp.AccessToken)
		require.NoError(t, err)
		assert.Equal(t, user.ID, claims.Subject)
		assert.Equal(t, "login@example.com", claims.Email)
	})

	t.Run("wrong password", func(t *testing.T) {
		registerUser(t, router, "wrongpw@example.com")
		body := dto.LoginRequest{Email: "wrongpw@example.com", Password: "notthepassword"}
		rr := doJSON(router, "POST", "/api/auth/login", body)
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
	})

	t.Run("nonexistent user", func(t *testing.T) {
		body := dto.LoginRequest{Email: "nobody@example.com", Password: "password123"}
		rr := doJSON(router, "POST", "/api/auth/login", body)
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
	})

	t.Run("refresh rotates and invalidates", func(t *testing.T) {
		tokens := loginUser(t, router, "refresh@example.com")

		rr := doJSON(router, "POST", "/api/auth/refresh", dto.RefreshRequest{RefreshToken: tokens.RefreshToken})
		assert.Equal(t, http.StatusOK, rr.Code)

		var resp dto.RefreshResponse
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
		assert.NotEmpty(t, resp.AccessToken)
		assert.NotEqual(t, tokens.RefreshToken, resp.RefreshToken)

		// The redeemed token is gone.
		rr = doJSON(router, "POST", "/api/auth/refresh", dto.RefreshRequest{RefreshToken: tokens.RefreshToken})
		assert.Equal(t, http.StatusUnauthorized, rr.Code)

		// The rotated one still works.
		rr = doJSON(router, "POST", "/api/auth/refresh", dto.RefreshRequest{RefreshToken: resp.RefreshToken})
		assert.Equal(t, http.StatusOK, rr.Code)
	})

	t.Run("access token rejected as refresh token", func(t *testing.T) {
		tokens := loginUser(t, router, "crosstoken@example.com")
		rr := doJSON(router, "POST", "/api/auth/refresh", dto.RefreshRequest{RefreshToken: tokens.AccessToken})
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
	})

	t.Run("logout revokes refresh tokens", func(t *testing.T) {
		tokens := loginUser(t, router, "logout@example.com")

		rr := doJSONWithAuth(router, "POST", "/api/auth/logout", nil, tokens.AccessToken)
		assert.Equal(t, http.StatusNoContent, rr.Code)

		rr = doJSON(router, "POST", "/api/auth/refresh", dto.RefreshRequest{RefreshToken: tokens.RefreshToken})
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
	})

	t.Run("me", func(t *testing.T) {
		tokens := loginUser(t, router, "me@example.com")

		rr := doJSONWithAuth(router, "GET", "/api/me", nil, tokens.AccessToken)
		assert.Equal(t, http.StatusOK, rr.Code)

		var resp dto.MeResponse
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
		assert.Equal(t, "me@example.com", resp.Email)
	})

	t.Run("me without token", func(t *testing.T) {
		rr := doJSON(router, "GET", "/api/me", nil)
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
	})
}

func registerUser(t *testing.T, router *gin.Engine, email string) dto.RegisterResponse {
	t.Helper()
	rr := doJSON(router, "POST", "/api/auth/register", dto.RegisterRequest{Email: email, Password: "password123"})
	require.Equal(t, http.StatusCreated, rr.Code)
	var resp dto.RegisterResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	return resp
}

func loginUser(t *testing.T, router *gin.Engine, email string) dto.LoginResponse {
	t.Helper()
	registerUser(t, router, email)
	rr := doJSON(router, "POST", "/api/auth/login", dto.LoginRequest{Email: email, Password: "password123"})
	require.Equal(t, http.StatusOK, rr.Code)
	var resp dto.LoginResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	return resp
}

func doJSON(router *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}

func doJSONWithAuth(router *gin.Engine, method, path string, body any, token string) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}
