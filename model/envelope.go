package model

import (
	"encoding/json"
	"time"
)

// EnvelopeType 广播消息类型
type EnvelopeType string

const (
	EnvTypeConnected      EnvelopeType = "connected"                // 订阅建立
	EnvTypeGroupState     EnvelopeType = "group_state"              // 群组完整状态
	EnvTypePlaybackUpdate EnvelopeType = "playback_update"          // 播放状态变化
	EnvTypeQueueUpdate    EnvelopeType = "queue_update"             // 队列变化
	EnvTypeTrackAdded     EnvelopeType = "track_added_notification" // 点歌通知
	EnvTypeVoteUpdate     EnvelopeType = "vote_update"              // 投票计数变化
	EnvTypeGroupDeleted   EnvelopeType = "group_deleted"            // 群组解散
)

// KnownEnvelopeType 检查消息类型是否为已知类型
// 消费端对未知类型应记录日志而不是静默忽略
func KnownEnvelopeType(t EnvelopeType) bool {
	switch t {
	case EnvTypeConnected, EnvTypeGroupState, EnvTypePlaybackUpdate,
		EnvTypeQueueUpdate, EnvTypeTrackAdded, EnvTypeVoteUpdate,
		EnvTypeGroupDeleted:
		return true
	}
	return false
}

// Envelope 订阅边界上的统一消息信封
// Hub 不解析 Data 的内容
type Envelope struct {
	Type      EnvelopeType    `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp string          `json:"timestamp,omitempty"` // ISO-8601
}

// NewEnvelope 构造带时间戳的消息信封
func NewEnvelope(t EnvelopeType, payload interface{}) (Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{
		Type:      t,
		Data:      data,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}, nil
}

// ========== 各消息类型的载荷 ==========

// ConnectedPayload 订阅建立载荷
type ConnectedPayload struct {
	GroupID  string `json:"groupId"`
	MemberID string `json:"userId"`
}

// GroupStatePayload 群组完整状态载荷
type GroupStatePayload struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Code         string   `json:"code"`
	Members      []Member `json:"members"`
	CurrentTrack *Track   `json:"currentTrack,omitempty"`
}

// PlaybackUpdatePayload 播放状态变化载荷
type PlaybackUpdatePayload struct {
	CurrentTrack *Track `json:"currentTrack"`
}

// QueueUpdatePayload 队列变化载荷
type QueueUpdatePayload struct {
	Queue []Track `json:"queue"`
}

// TrackAddedPayload 点歌通知载荷
type TrackAddedPayload struct {
	Track     Track  `json:"track"`
	AddedBy   string `json:"addedBy"`
	Timestamp string `json:"timestamp"`
}

// VoteUpdatePayload 投票计数载荷
type VoteUpdatePayload struct {
	SkipVotes    int `json:"skipVotes"`
	TotalMembers int `json:"totalMembers"`
}

// GroupDeletedPayload 群组解散载荷
type GroupDeletedPayload struct {
	Message string `json:"message"`
}
