package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"GroupFM/core/auth"
	"GroupFM/logger"
	"GroupFM/model"

	"github.com/gorilla/mux"
)

// SSE心跳间隔，防止代理掐断空闲连接
const sseHeartbeatPeriod = 25 * time.Second

// tokenFromRequest 提取令牌
// EventSource 无法自定义请求头，所以也接受 token 查询参数
func tokenFromRequest(r *http.Request) string {
	if raw := r.URL.Query().Get("token"); raw != "" {
		return raw
	}
	authHeader := r.Header.Get("Authorization")
	parts := strings.Split(authHeader, " ")
	if len(parts) == 2 && parts[0] == "Bearer" {
		return parts[1]
	}
	return ""
}

// EventsHandler SSE端点：把群组的实时消息推送给订阅者
func (h *APIHandler) EventsHandler(w http.ResponseWriter, r *http.Request) {
	token := tokenFromRequest(r)
	if token == "" {
		http.Error(w, "Token is required", http.StatusUnauthorized)
		return
	}

	claims, err := auth.ParseToken(token)
	if err != nil {
		http.Error(w, "Invalid token", http.StatusUnauthorized)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	groupID := mux.Vars(r)["id"]
	sub, err := h.manager.Subscribe(groupID, claims.UserID)
	if err != nil {
		writeGroupError(w, err)
		return
	}
	defer h.manager.Unsubscribe(sub)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	logger.Info("sse subscriber connected",
		logger.String("groupId", groupID),
		logger.String("userId", claims.UserID))

	heartbeat := time.NewTicker(sseHeartbeatPeriod)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			logger.Debug("sse subscriber disconnected",
				logger.String("groupId", groupID),
				logger.String("userId", claims.UserID))
			return

		case <-heartbeat.C:
			// 注释行，客户端忽略
			fmt.Fprint(w, ": heartbeat\n\n")
			flusher.Flush()

		case env, ok := <-sub.C:
			if !ok {
				// 群组被解散或订阅被替换
				return
			}
			if !model.KnownEnvelopeType(env.Type) {
				logger.Warn("未知的消息类型", logger.String("type", string(env.Type)))
				continue
			}
			if err := writeSSEEvent(w, env); err != nil {
				logger.Debug("sse write failed",
					logger.String("groupId", groupID),
					logger.ErrorField(err))
				return
			}
			flusher.Flush()
		}
	}
}

func writeSSEEvent(w http.ResponseWriter, env model.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}
