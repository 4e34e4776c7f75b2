package model

import "time"

// Member 群组成员（身份由外部认证层提供）
type Member struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	Avatar   string    `json:"avatar,omitempty"`
	JoinedAt time.Time `json:"joinedAt"`
}

// SpotifyCredentials 管理员的Spotify凭证，整个群组共用
type SpotifyCredentials struct {
	AccessToken  string `json:"-"`
	RefreshToken string `json:"-"`
}

// Track Spotify曲目快照
type Track struct {
	ID         string   `json:"id"`
	Name       string   `json:"name"`
	Artists    []string `json:"artists,omitempty"`
	Album      string   `json:"album,omitempty"`
	Image      string   `json:"image,omitempty"`
	URI        string   `json:"uri,omitempty"`
	DurationMs int      `json:"durationMs,omitempty"`
}

// PlaybackState 播放状态快照（Spotify /me/player 的子集）
type PlaybackState struct {
	IsPlaying    bool   `json:"isPlaying"`
	ProgressMs   int    `json:"progressMs"`
	ShuffleState bool   `json:"shuffleState"`
	RepeatState  string `json:"repeatState"` // off, track, context
	Item         *Track `json:"item,omitempty"`
}

// Device Spotify播放设备
type Device struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Type     string `json:"type"`
	IsActive bool   `json:"is_active"`
}

// QueueState 播放队列快照（Spotify /me/player/queue）
type QueueState struct {
	Queue            []Track `json:"queue"`
	CurrentlyPlaying *Track  `json:"currentlyPlaying,omitempty"`
}

// Group 一个共享听歌群组
// 注册表为每个群组维护独立的互斥锁，Group 本身是纯数据
type Group struct {
	ID           string             `json:"id"`
	Code         string             `json:"code"`
	Name         string             `json:"name"`
	Admin        Member             `json:"admin"`
	Credentials  SpotifyCredentials `json:"-"`
	Members      []Member           `json:"members"`
	CurrentTrack *Track             `json:"currentTrack,omitempty"`
	SkipVotes    []string           `json:"-"` // 投票跳过的成员ID
	CreatedAt    time.Time          `json:"createdAt"`
	LastActivity time.Time          `json:"lastActivity"`
}

// HasMember 检查用户是否是群组成员
func (g *Group) HasMember(memberID string) bool {
	for _, m := range g.Members {
		if m.ID == memberID {
			return true
		}
	}
	return false
}

// HasVoted 检查成员是否已投票跳过
func (g *Group) HasVoted(memberID string) bool {
	for _, id := range g.SkipVotes {
		if id == memberID {
			return true
		}
	}
	return false
}

// VoteResult 投票切换后的计票结果，用于立即广播
type VoteResult struct {
	Voted        bool `json:"voted"`
	SkipVotes    int  `json:"skipVotes"`
	TotalMembers int  `json:"totalMembers"`
}

// SkipResult 一次投票请求的完整结果
type SkipResult struct {
	VoteResult
	Skipped bool `json:"skipped"`
}
