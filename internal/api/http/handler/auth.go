package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/hermit-sh/hermit/internal/api/http/dto"
	"github.com/hermit-sh/hermit/internal/auth"
	"github.com/hermit-sh/hermit/internal/users"
)

type AuthHandler struct {
	users     *users.Service
	jwtConfig auth.Config
}

func NewAuthHandler(userService *users.Service, jwtConfig auth.Config) *AuthHandler {
	return &AuthHandler{
		users:     userService,
		jwtConfig: jwtConfig,
	}
}

func (h *AuthHandler) Register(c *gin.Context) {
	var req dto.RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	user, err := h.users.Create(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		if errors.Is(err, users.ErrEmailExists) {
			c.JSON(http.StatusConflict, gin.H{"error": "email already registered"})
			return
		}
		slog.Error("Failed to create user", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create user"})
		return
	}

	c.JSON(http.StatusCreated, dto.RegisterResponse{ID: user.ID, Email: user.Email})
}

func (h *AuthHandler) Login(c *gin.Context) {
	var req dto.LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	user, err := h.users.Authenticate(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		if errors.Is(err, users.ErrInvalidCredentials) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
			return
		}
		slog.Error("Failed to authenticate user", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	access, refresh, err := h.issueTokens(c.Request.Context(), user.ID, user.Email)
	if err != nil {
		slog.Error("Failed to issue tokens", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	c.JSON(http.StatusOK, dto.LoginResponse{AccessToken: access, RefreshToken: refresh})
}

// Refresh rotates a refresh token: the presented token is redeemed exactly
// once and a fresh pair is issued.
func (h *AuthHandler) Refresh(c *gin.Context) {
	var req dto.RefreshRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	claims, err := auth.VerifyToken(h.jwtConfig, req.RefreshToken)
	if err != nil || claims.TokenType != "refresh" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid refresh token"})
		return
	}

	userID, err := h.users.ConsumeRefreshToken(c.Request.Context(), req.RefreshToken)
	if err != nil {
		if errors.Is(err, users.ErrInvalidRefreshToken) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid refresh token"})
			return
		}
		slog.Error("Failed to consume refresh token", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	if userID != claims.Subject {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid refresh token"})
		return
	}

	user, err := h.users.FindByID(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid refresh token"})
		return
	}

	access, refresh, err := h.issueTokens(c.Request.Context(), user.ID, user.Email)
	if err != nil {
		slog.Error("Failed to issue tokens", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	c.JSON(http.StatusOK, dto.RefreshResponse{AccessToken: access, RefreshToken: refresh})
}

func (h *AuthHandler) Logout(c *gin.Context) {
	userID := c.GetString("user_id")
	if err := h.users.RevokeRefreshTokens(c.Request.Context(), userID); err != nil {
		slog.Error("Failed to revoke refresh tokens", "error", err, "user_id", userID)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *AuthHandler) Me(c *gin.Context) {
	c.JSON(http.StatusOK, dto.MeResponse{
		ID:    c.GetString("user_id"),
		Email: c.GetString("email"),
	})
}

func (h *AuthHandler) issueTokens(ctx context.Context, userID, email string) (string, string, error) {
	access, err := auth.GenerateAccessToken(h.jwtConfig, userID, email)
	if err != nil {
		return "", "", err
	}
	refresh, err := auth.GenerateRefreshToken(h.jwtConfig, userID)
	if err != nil {
		return "", "", err
	}
	ttl := h.jwtConfig.RefreshTokenTTL
	if ttl == 0 {
		ttl = 7 * 24 * time.Hour
	}
	if err := h.users.StoreRefreshToken(ctx, userID, refresh, time.Now().Add(ttl)); err != nil {
		return "", "", err
	}
	return access, refresh, nil
}
