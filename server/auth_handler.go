package server

import (
	"encoding/json"
	"net/http"
	"strings"

	"GroupFM/core/auth"
	"GroupFM/logger"
)

// GuestLoginRequest 访客登录请求
type GuestLoginRequest struct {
	Name   string `json:"name"`
	Avatar string `json:"avatar,omitempty"`
}

// GuestLoginHandler 创建访客身份并签发令牌
// 无需注册：客户端提供昵称即可拿到一个临时成员身份
func (h *APIHandler) GuestLoginHandler(w http.ResponseWriter, r *http.Request) {
	var req GuestLoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if strings.TrimSpace(req.Name) == "" {
		http.Error(w, "Name is required", http.StatusBadRequest)
		return
	}

	member := auth.NewGuestMember(strings.TrimSpace(req.Name), req.Avatar)

	token, err := auth.GenerateToken(member)
	if err != nil {
		logger.Error("生成访客令牌失败", logger.ErrorField(err))
		http.Error(w, "Failed to generate token", http.StatusInternalServerError)
		return
	}

	logger.Info("guest session created",
		logger.String("userId", member.ID),
		logger.String("name", member.Name))

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"token":  token,
		"member": member,
	})
}
