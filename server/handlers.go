package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"GroupFM/config"
	"GroupFM/core/auth"
	"GroupFM/core/group"
	"GroupFM/model"
)

// APIHandler 处理所有API请求
type APIHandler struct {
	manager *group.Manager
	cfg     *config.Config
}

// NewAPIHandler 创建新的API处理器
func NewAPIHandler(manager *group.Manager, cfg *config.Config) *APIHandler {
	return &APIHandler{
		manager: manager,
		cfg:     cfg,
	}
}

// AuthMiddleware is a middleware function that checks for a valid JWT token
func (h *APIHandler) AuthMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// Get the Authorization header
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			http.Error(w, "Authorization header is required", http.StatusUnauthorized)
			return
		}

		// Check if the header has the correct format
		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			http.Error(w, "Invalid authorization header format", http.StatusUnauthorized)
			return
		}

		// Parse and validate the token
		claims, err := auth.ParseToken(parts[1])
		if err != nil {
			http.Error(w, "Invalid token", http.StatusUnauthorized)
			return
		}

		// Add user info to the request context
		ctx := context.WithValue(r.Context(), "userID", claims.UserID)
		ctx = context.WithValue(ctx, "username", claims.Username)
		ctx = context.WithValue(ctx, "avatar", claims.Avatar)

		// Call the next handler with the updated context
		next.ServeHTTP(w, r.WithContext(ctx))
	}
}

// GetUserIDFromContext extracts the user ID from the request context
func GetUserIDFromContext(ctx context.Context) (string, error) {
	userID, ok := ctx.Value("userID").(string)
	if !ok || userID == "" {
		return "", fmt.Errorf("user ID not found in context")
	}
	return userID, nil
}

// GetUsernameFromContext extracts the username from the request context
func GetUsernameFromContext(ctx context.Context) (string, error) {
	username, ok := ctx.Value("username").(string)
	if !ok {
		return "", fmt.Errorf("username not found in context")
	}
	return username, nil
}

// memberFromContext 从请求上下文还原成员身份
func memberFromContext(ctx context.Context) (model.Member, error) {
	userID, err := GetUserIDFromContext(ctx)
	if err != nil {
		return model.Member{}, err
	}
	username, _ := GetUsernameFromContext(ctx)
	avatar, _ := ctx.Value("avatar").(string)
	return model.Member{
		ID:     userID,
		Name:   username,
		Avatar: avatar,
	}, nil
}

// writeJSON 写出JSON响应
func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload != nil {
		json.NewEncoder(w).Encode(payload)
	}
}

// writeGroupError 把领域错误映射为HTTP状态码
func writeGroupError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, model.ErrGroupNotFound):
		http.Error(w, "Group not found", http.StatusNotFound)
	case errors.Is(err, model.ErrNotMember):
		http.Error(w, "Not a member of this group", http.StatusForbidden)
	default:
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}
