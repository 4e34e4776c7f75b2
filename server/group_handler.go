package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"GroupFM/logger"
	"GroupFM/model"

	"github.com/gorilla/mux"
)

// CreateGroupRequest 创建群组请求
// 创建者成为管理员，其Spotify凭证供全组共用
type CreateGroupRequest struct {
	Name         string `json:"name,omitempty"`
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

// JoinGroupRequest 加入群组请求
type JoinGroupRequest struct {
	Code string `json:"code"`
}

// AddToQueueRequest 点歌请求
type AddToQueueRequest struct {
	Track model.Track `json:"track"`
}

// TrackAddedRequest 点歌通知请求（客户端直接通过Spotify SDK点歌后回报）
type TrackAddedRequest struct {
	Track   model.Track `json:"track"`
	AddedBy string      `json:"addedBy,omitempty"`
}

// CreateGroupHandler 创建群组
func (h *APIHandler) CreateGroupHandler(w http.ResponseWriter, r *http.Request) {
	admin, err := memberFromContext(r.Context())
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var req CreateGroupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if req.AccessToken == "" {
		http.Error(w, "Spotify access token is required", http.StatusBadRequest)
		return
	}

	creds := model.SpotifyCredentials{
		AccessToken:  req.AccessToken,
		RefreshToken: req.RefreshToken,
	}

	g, err := h.manager.CreateGroup(r.Context(), admin, creds, strings.TrimSpace(req.Name))
	if err != nil {
		logger.Error("创建群组失败", logger.ErrorField(err))
		http.Error(w, "Failed to create group", http.StatusInternalServerError)
		return
	}

	logger.Info("group created",
		logger.String("groupId", g.ID),
		logger.String("code", g.Code),
		logger.String("adminId", admin.ID))

	writeJSON(w, http.StatusCreated, g)
}

// JoinGroupHandler 通过加入码加入群组
func (h *APIHandler) JoinGroupHandler(w http.ResponseWriter, r *http.Request) {
	user, err := memberFromContext(r.Context())
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var req JoinGroupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if strings.TrimSpace(req.Code) == "" {
		http.Error(w, "Join code is required", http.StatusBadRequest)
		return
	}

	g, err := h.manager.JoinByCode(r.Context(), strings.TrimSpace(req.Code), user)
	if err != nil {
		writeGroupError(w, err)
		return
	}

	logger.Info("member joined group",
		logger.String("groupId", g.ID),
		logger.String("userId", user.ID))

	writeJSON(w, http.StatusOK, g)
}

// GetGroupHandler 获取群组状态快照
func (h *APIHandler) GetGroupHandler(w http.ResponseWriter, r *http.Request) {
	userID, err := GetUserIDFromContext(r.Context())
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	groupID := mux.Vars(r)["id"]
	g, err := h.manager.GetGroup(groupID)
	if err != nil {
		writeGroupError(w, err)
		return
	}

	if !g.HasMember(userID) {
		http.Error(w, "Not a member of this group", http.StatusForbidden)
		return
	}

	writeJSON(w, http.StatusOK, g)
}

// LeaveGroupHandler 离开群组
// 管理员离开会解散整个群组
func (h *APIHandler) LeaveGroupHandler(w http.ResponseWriter, r *http.Request) {
	userID, err := GetUserIDFromContext(r.Context())
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	groupID := mux.Vars(r)["id"]
	if err := h.manager.LeaveGroup(r.Context(), groupID, userID); err != nil {
		writeGroupError(w, err)
		return
	}

	logger.Info("member left group",
		logger.String("groupId", groupID),
		logger.String("userId", userID))

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message": "Left group",
	})
}

// VoteSkipHandler 切换跳过投票
// 再次调用撤回投票；达到严格多数时立即跳到下一首
func (h *APIHandler) VoteSkipHandler(w http.ResponseWriter, r *http.Request) {
	userID, err := GetUserIDFromContext(r.Context())
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	groupID := mux.Vars(r)["id"]
	result, err := h.manager.VoteSkip(r.Context(), groupID, userID)
	if err != nil {
		writeGroupError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// CurrentTrackHandler 获取群组当前播放曲目
func (h *APIHandler) CurrentTrackHandler(w http.ResponseWriter, r *http.Request) {
	userID, err := GetUserIDFromContext(r.Context())
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	groupID := mux.Vars(r)["id"]
	g, err := h.manager.GetGroup(groupID)
	if err != nil {
		writeGroupError(w, err)
		return
	}
	if !g.HasMember(userID) {
		http.Error(w, "Not a member of this group", http.StatusForbidden)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"track": g.CurrentTrack,
	})
}

// GetQueueHandler 实时获取群组播放队列
func (h *APIHandler) GetQueueHandler(w http.ResponseWriter, r *http.Request) {
	userID, err := GetUserIDFromContext(r.Context())
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	groupID := mux.Vars(r)["id"]
	g, err := h.manager.GetGroup(groupID)
	if err != nil {
		writeGroupError(w, err)
		return
	}
	if !g.HasMember(userID) {
		http.Error(w, "Not a member of this group", http.StatusForbidden)
		return
	}

	queue, err := h.manager.Queue(r.Context(), groupID)
	if err != nil {
		logger.Warn("获取播放队列失败",
			logger.String("groupId", groupID),
			logger.ErrorField(err))
		http.Error(w, "Failed to fetch queue", http.StatusBadGateway)
		return
	}

	writeJSON(w, http.StatusOK, queue)
}

// AddToQueueHandler 点歌：把曲目加入管理员的播放队列
func (h *APIHandler) AddToQueueHandler(w http.ResponseWriter, r *http.Request) {
	user, err := memberFromContext(r.Context())
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var req AddToQueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if req.Track.URI == "" {
		http.Error(w, "Track URI is required", http.StatusBadRequest)
		return
	}

	groupID := mux.Vars(r)["id"]
	if err := h.manager.AddToQueue(r.Context(), groupID, user, req.Track); err != nil {
		switch err {
		case model.ErrGroupNotFound, model.ErrNotMember:
			writeGroupError(w, err)
		default:
			logger.Warn("点歌失败",
				logger.String("groupId", groupID),
				logger.ErrorField(err))
			http.Error(w, "Failed to add track to queue", http.StatusBadGateway)
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message": "Track added to queue",
	})
}

// SearchHandler 用管理员凭证搜索曲目
func (h *APIHandler) SearchHandler(w http.ResponseWriter, r *http.Request) {
	userID, err := GetUserIDFromContext(r.Context())
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	query := strings.TrimSpace(r.URL.Query().Get("q"))
	if query == "" {
		http.Error(w, "Query parameter 'q' is required", http.StatusBadRequest)
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			limit = n
		}
	}

	groupID := mux.Vars(r)["id"]
	tracks, err := h.manager.Search(r.Context(), groupID, userID, query, limit)
	if err != nil {
		switch err {
		case model.ErrGroupNotFound, model.ErrNotMember:
			writeGroupError(w, err)
		default:
			logger.Warn("搜索曲目失败",
				logger.String("groupId", groupID),
				logger.String("query", query),
				logger.ErrorField(err))
			http.Error(w, "Search failed", http.StatusBadGateway)
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"tracks": tracks,
	})
}

// DevicesHandler 列出管理员的可用播放设备
func (h *APIHandler) DevicesHandler(w http.ResponseWriter, r *http.Request) {
	userID, err := GetUserIDFromContext(r.Context())
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	groupID := mux.Vars(r)["id"]
	devices, err := h.manager.Devices(r.Context(), groupID, userID)
	if err != nil {
		switch err {
		case model.ErrGroupNotFound, model.ErrNotMember:
			writeGroupError(w, err)
		default:
			logger.Warn("获取设备列表失败",
				logger.String("groupId", groupID),
				logger.ErrorField(err))
			http.Error(w, "Failed to fetch devices", http.StatusBadGateway)
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"devices": devices,
	})
}

// TrackAddedHandler 广播点歌通知
// 客户端直接用自己的Spotify连接点歌时，通过这个端点告知全组
func (h *APIHandler) TrackAddedHandler(w http.ResponseWriter, r *http.Request) {
	user, err := memberFromContext(r.Context())
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var req TrackAddedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	groupID := mux.Vars(r)["id"]
	g, err := h.manager.GetGroup(groupID)
	if err != nil {
		writeGroupError(w, err)
		return
	}
	if !g.HasMember(user.ID) {
		http.Error(w, "Not a member of this group", http.StatusForbidden)
		return
	}

	addedBy := req.AddedBy
	if addedBy == "" {
		addedBy = user.Name
	}
	h.manager.NotifyTrackAdded(groupID, req.Track, addedBy)

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message": "Notification sent",
	})
}

// DebugGroupsHandler 输出所有群组的运行时快照
// 汇总注册表、投票、订阅、轮询状态和Redis镜像，排查线上问题用
func (h *APIHandler) DebugGroupsHandler(w http.ResponseWriter, r *http.Request) {
	groups := h.manager.DebugGroups(r.Context())
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"count":  len(groups),
		"groups": groups,
	})
}
