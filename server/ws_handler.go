package server

import (
	"net/http"
	"time"

	"GroupFM/core/auth"
	"GroupFM/logger"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second    // 写入超时
	pongWait   = 60 * time.Second    // 等待 pong 响应超时
	pingPeriod = (pongWait * 9) / 10 // ping 间隔 (必须小于 pongWait)
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// WebSocketHandler WebSocket端点：与SSE等价的实时推送通道
// 服务端只推不收，读循环仅用于检测断开和响应 ping/pong
func (h *APIHandler) WebSocketHandler(w http.ResponseWriter, r *http.Request) {
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

	groupID := mux.Vars(r)["id"]
	sub, err := h.manager.Subscribe(groupID, claims.UserID)
	if err != nil {
		writeGroupError(w, err)
		return
	}

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		h.manager.Unsubscribe(sub)
		logger.Error("websocket upgrade failed", logger.ErrorField(err))
		return
	}

	logger.Info("websocket subscriber connected",
		logger.String("groupId", groupID),
		logger.String("userId", claims.UserID))

	done := make(chan struct{})

	// 读循环：丢弃客户端消息，连接断开时退出
	go func() {
		defer close(done)
		conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(pongWait))
			return nil
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	defer func() {
		h.manager.Unsubscribe(sub)
		conn.Close()
		logger.Debug("websocket subscriber disconnected",
			logger.String("groupId", groupID),
			logger.String("userId", claims.UserID))
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case env, ok := <-sub.C:
			if !ok {
				// 群组被解散，发关闭帧后退出
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "group closed"))
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(env); err != nil {
				logger.Debug("websocket write failed",
					logger.String("groupId", groupID),
					logger.ErrorField(err))
				return
			}
		}
	}
}
