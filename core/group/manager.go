package group

import (
	"context"
	"sync"
	"time"

	"GroupFM/cache"
	"GroupFM/core/spotify"
	"GroupFM/logger"
	"GroupFM/model"
)

// Manager 群组业务管理器
// 组合注册表、广播中心、轮询器和Spotify客户端，供请求处理层调用
type Manager struct {
	registry *Registry
	hub      *Hub
	poller   *Poller
	provider PlaybackProvider
	cache    *cache.GroupCache // 可为nil

	sweepOnce sync.Once
	done      chan struct{}
}

// NewManager 创建群组管理器并注册群组删除回调
func NewManager(registry *Registry, hub *Hub, poller *Poller, provider PlaybackProvider, groupCache *cache.GroupCache) *Manager {
	m := &Manager{
		registry: registry,
		hub:      hub,
		poller:   poller,
		provider: provider,
		cache:    groupCache,
		done:     make(chan struct{}),
	}
	registry.SetTeardownHook(m.onGroupTeardown)
	return m
}

// onGroupTeardown 群组删除流程：先停轮询，再通知并踢掉所有订阅者
// 回调返回后注册表才移除两张映射表中的条目
func (m *Manager) onGroupTeardown(groupID string, g *model.Group, reason string) {
	// 1. 停轮询，返回后不再有进行中的tick
	m.poller.Stop(groupID)

	// 2. 给订阅者发最后一条消息，然后关闭所有订阅
	message := "Le groupe a été fermé"
	if reason == "expired" {
		message = "Le groupe a expiré par inactivité"
	}
	if env, err := model.NewEnvelope(model.EnvTypeGroupDeleted, model.GroupDeletedPayload{Message: message}); err == nil {
		m.hub.Publish(groupID, env)
	}
	m.hub.CloseGroup(groupID)

	// 3. 清理Redis镜像
	if m.cache != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := m.cache.ClearGroup(ctx, groupID); err != nil {
			logger.Warn("清理群组缓存失败",
				logger.String("groupId", groupID),
				logger.ErrorField(err))
		}
	}
}

// ========== 群组生命周期 ==========

// CreateGroup 创建群组
// 轮询不在这里启动：第一个订阅者接入时才开始，避免无人观看的会话白白消耗轮询
func (m *Manager) CreateGroup(ctx context.Context, admin model.Member, creds model.SpotifyCredentials, name string) (*model.Group, error) {
	g, err := m.registry.CreateGroup(admin, creds, name)
	if err != nil {
		return nil, err
	}

	m.mirrorMemberOnline(ctx, g.ID, &g.Admin)
	return g, nil
}

// JoinByCode 通过加入码加入群组
func (m *Manager) JoinByCode(ctx context.Context, code string, user model.Member) (*model.Group, error) {
	g, err := m.registry.GetGroupByCode(code)
	if err != nil {
		return nil, err
	}

	g, err = m.registry.AddMember(g.ID, user)
	if err != nil {
		return nil, err
	}

	m.mirrorMemberOnline(ctx, g.ID, &user)
	m.broadcastGroupState(g.ID)
	return g, nil
}

// LeaveGroup 离开群组
// 管理员离开或成员清零时群组被解散
func (m *Manager) LeaveGroup(ctx context.Context, groupID, userID string) error {
	// 先断开该成员的订阅
	m.hub.Disconnect(groupID, userID)

	if err := m.registry.RemoveMember(groupID, userID); err != nil {
		return err
	}

	if m.cache != nil {
		if err := m.cache.RemoveMemberOnline(ctx, groupID, userID); err != nil {
			logger.Warn("移除成员在线镜像失败",
				logger.String("groupId", groupID),
				logger.ErrorField(err))
		}
	}

	// 群组还在时通知剩余成员，并在无人观看时停掉轮询
	if _, err := m.registry.GetGroup(groupID); err == nil {
		m.broadcastGroupState(groupID)
		if !m.hub.HasSubscribers(groupID) {
			m.poller.Stop(groupID)
		}
	}
	return nil
}

// GetGroup 获取群组快照
func (m *Manager) GetGroup(groupID string) (*model.Group, error) {
	return m.registry.GetGroup(groupID)
}

// GetGroupByCode 按加入码获取群组快照
func (m *Manager) GetGroupByCode(code string) (*model.Group, error) {
	return m.registry.GetGroupByCode(code)
}

// ========== 订阅管理 ==========

// Subscribe 订阅群组实时消息
// 第一个订阅者接入时启动该群组的轮询；新订阅者会立刻收到一条完整的群组状态
func (m *Manager) Subscribe(groupID, memberID string) (*Subscription, error) {
	g, err := m.registry.GetGroup(groupID)
	if err != nil {
		return nil, err
	}
	if !g.HasMember(memberID) {
		return nil, model.ErrNotMember
	}

	sub := m.hub.Subscribe(groupID, memberID)

	// 连接确认 + 初始状态，直接写入新订阅的空缓冲，不会阻塞
	if env, err := model.NewEnvelope(model.EnvTypeConnected, model.ConnectedPayload{
		GroupID:  groupID,
		MemberID: memberID,
	}); err == nil {
		sub.C <- env
	}
	if env, err := model.NewEnvelope(model.EnvTypeGroupState, groupStatePayload(g)); err == nil {
		sub.C <- env
	}

	m.poller.Start(groupID)
	return sub, nil
}

// Unsubscribe 取消订阅，最后一个观看者离开时停掉轮询
// 按订阅本身移除：被替换的旧连接调用时是空操作，不影响接替它的新订阅
func (m *Manager) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	m.hub.Unsubscribe(sub)
	if !m.hub.HasSubscribers(sub.GroupID) {
		m.poller.Stop(sub.GroupID)
	}
}

// ========== 投票跳过 ==========

// VoteSkip 切换跳过投票并在达到多数时执行跳歌
// 跳歌对临时故障重试一次；只有跳歌成功才清空投票，失败保留投票等待重试
func (m *Manager) VoteSkip(ctx context.Context, groupID, userID string) (*model.SkipResult, error) {
	if _, err := m.registry.GetGroup(groupID); err != nil {
		return nil, err
	}

	vote := m.registry.ToggleVote(groupID, userID)
	result := &model.SkipResult{VoteResult: vote}
	if vote.TotalMembers == 0 {
		// 非成员投票：预期中的竞争，按无操作处理
		return result, nil
	}

	m.broadcastVoteUpdate(groupID, vote)

	if !m.registry.ShouldSkip(groupID) {
		return result, nil
	}

	creds, ok := m.registry.AdminCredentials(groupID)
	if !ok {
		return result, nil
	}
	tokenBefore := creds.AccessToken

	err := m.provider.SkipNext(ctx, &creds)
	if err != nil && spotify.IsTransient(err) {
		logger.Warn("skip failed, retrying once",
			logger.String("groupId", groupID),
			logger.ErrorField(err))
		err = m.provider.SkipNext(ctx, &creds)
	}
	if creds.AccessToken != tokenBefore {
		m.registry.UpdateAdminAccessToken(groupID, creds.AccessToken)
	}
	if err != nil {
		// 投票保留，下一次投票请求会再触发跳歌
		logger.Warn("skip failed, votes kept for retry",
			logger.String("groupId", groupID),
			logger.ErrorField(err))
		return result, nil
	}

	m.registry.ClearVotes(groupID)
	result.Skipped = true

	logger.Info("track skipped by majority vote",
		logger.String("groupId", groupID),
		logger.Int("skipVotes", vote.SkipVotes),
		logger.Int("totalMembers", vote.TotalMembers))

	return result, nil
}

// ========== 播放与队列 ==========

// CurrentTrack 群组当前曲目
func (m *Manager) CurrentTrack(groupID string) (*model.Track, error) {
	g, err := m.registry.GetGroup(groupID)
	if err != nil {
		return nil, err
	}
	return g.CurrentTrack, nil
}

// Queue 实时获取管理员的播放队列
func (m *Manager) Queue(ctx context.Context, groupID string) (*model.QueueState, error) {
	creds, ok := m.registry.AdminCredentials(groupID)
	if !ok {
		return nil, model.ErrGroupNotFound
	}
	tokenBefore := creds.AccessToken

	queueState, err := m.provider.GetQueue(ctx, &creds)
	if creds.AccessToken != tokenBefore {
		m.registry.UpdateAdminAccessToken(groupID, creds.AccessToken)
	}
	return queueState, err
}

// AddToQueue 把曲目加入管理员的播放队列并通知全组
func (m *Manager) AddToQueue(ctx context.Context, groupID string, member model.Member, track model.Track) error {
	if !m.registry.IsMember(groupID, member.ID) {
		return model.ErrNotMember
	}

	creds, ok := m.registry.AdminCredentials(groupID)
	if !ok {
		return model.ErrGroupNotFound
	}
	tokenBefore := creds.AccessToken

	err := m.provider.Enqueue(ctx, &creds, track.URI)
	if err != nil && spotify.IsTransient(err) {
		err = m.provider.Enqueue(ctx, &creds, track.URI)
	}
	if creds.AccessToken != tokenBefore {
		m.registry.UpdateAdminAccessToken(groupID, creds.AccessToken)
	}
	if err != nil {
		return err
	}

	m.registry.Touch(groupID)
	m.NotifyTrackAdded(groupID, track, member.Name)

	logger.Info("track added to queue",
		logger.String("groupId", groupID),
		logger.String("userId", member.ID),
		logger.String("trackId", track.ID),
		logger.String("trackName", track.Name))

	return nil
}

// NotifyTrackAdded 向全组广播点歌通知
func (m *Manager) NotifyTrackAdded(groupID string, track model.Track, addedBy string) {
	env, err := model.NewEnvelope(model.EnvTypeTrackAdded, model.TrackAddedPayload{
		Track:     track,
		AddedBy:   addedBy,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		logger.Warn("序列化点歌通知失败", logger.ErrorField(err))
		return
	}
	m.hub.Publish(groupID, env)
}

// Devices 用管理员凭证列出可用播放设备
func (m *Manager) Devices(ctx context.Context, groupID, userID string) ([]model.Device, error) {
	if !m.registry.IsMember(groupID, userID) {
		return nil, model.ErrNotMember
	}

	creds, ok := m.registry.AdminCredentials(groupID)
	if !ok {
		return nil, model.ErrGroupNotFound
	}
	tokenBefore := creds.AccessToken

	devices, err := m.provider.GetDevices(ctx, &creds)
	if creds.AccessToken != tokenBefore {
		m.registry.UpdateAdminAccessToken(groupID, creds.AccessToken)
	}
	return devices, err
}

// Search 用管理员凭证搜索曲目
func (m *Manager) Search(ctx context.Context, groupID, userID, query string, limit int) ([]model.Track, error) {
	if !m.registry.IsMember(groupID, userID) {
		return nil, model.ErrNotMember
	}

	creds, ok := m.registry.AdminCredentials(groupID)
	if !ok {
		return nil, model.ErrGroupNotFound
	}
	tokenBefore := creds.AccessToken

	tracks, err := m.provider.Search(ctx, &creds, query, limit)
	if creds.AccessToken != tokenBefore {
		m.registry.UpdateAdminAccessToken(groupID, creds.AccessToken)
	}
	return tracks, err
}

// ========== 调试快照 ==========

// GroupDebug 单个群组的运行时快照，供调试接口使用
type GroupDebug struct {
	ID             string               `json:"id"`
	Code           string               `json:"code"`
	Name           string               `json:"name"`
	MemberCount    int                  `json:"memberCount"`
	SkipVotes      int                  `json:"skipVotes"`
	Subscribers    int                  `json:"subscribers"`
	Polling        bool                 `json:"polling"`
	CurrentTrack   *model.Track         `json:"currentTrack,omitempty"`
	LastActivity   time.Time            `json:"lastActivity"`
	OnlineMirror   []model.Member       `json:"onlineMirror,omitempty"`
	PlaybackMirror *model.PlaybackState `json:"playbackMirror,omitempty"`
}

// DebugGroups 汇总所有群组的注册表、订阅、轮询和Redis镜像状态
// Redis不可用时镜像字段为空，其余字段照常返回
func (m *Manager) DebugGroups(ctx context.Context) []GroupDebug {
	groups := m.registry.AllGroups()
	out := make([]GroupDebug, 0, len(groups))
	for _, g := range groups {
		d := GroupDebug{
			ID:           g.ID,
			Code:         g.Code,
			Name:         g.Name,
			MemberCount:  len(g.Members),
			Subscribers:  m.hub.SubscriberCount(g.ID),
			Polling:      m.poller.IsPolling(g.ID),
			CurrentTrack: g.CurrentTrack,
			LastActivity: g.LastActivity,
		}
		if votes, _, ok := m.registry.VoteCounts(g.ID); ok {
			d.SkipVotes = votes
		}
		if m.cache != nil {
			if online, err := m.cache.GetMembersOnline(ctx, g.ID); err == nil {
				d.OnlineMirror = online
			}
			if pb, err := m.cache.GetPlaybackSnapshot(ctx, g.ID); err == nil {
				d.PlaybackMirror = pb
			}
		}
		out = append(out, d)
	}
	return out
}

// ========== 后台清理 ==========

// StartSweeper 启动过期群组的定时清理
func (m *Manager) StartSweeper(interval, maxAge time.Duration) {
	m.sweepOnce.Do(func() {
		go func() {
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-m.done:
					return
				case <-ticker.C:
					m.registry.SweepExpired(maxAge)
				}
			}
		}()

		logger.Info("group sweeper started",
			logger.Duration("interval", interval),
			logger.Duration("maxAge", maxAge))
	})
}

// Stop 停止后台任务和所有轮询
func (m *Manager) Stop() {
	close(m.done)
	m.poller.StopAll()
}

// ========== 广播辅助方法 ==========

func (m *Manager) broadcastGroupState(groupID string) {
	g, err := m.registry.GetGroup(groupID)
	if err != nil {
		return
	}
	env, err := model.NewEnvelope(model.EnvTypeGroupState, groupStatePayload(g))
	if err != nil {
		logger.Warn("序列化群组状态失败", logger.ErrorField(err))
		return
	}
	m.hub.Publish(groupID, env)
}

func (m *Manager) broadcastVoteUpdate(groupID string, vote model.VoteResult) {
	env, err := model.NewEnvelope(model.EnvTypeVoteUpdate, model.VoteUpdatePayload{
		SkipVotes:    vote.SkipVotes,
		TotalMembers: vote.TotalMembers,
	})
	if err != nil {
		logger.Warn("序列化投票更新失败", logger.ErrorField(err))
		return
	}
	m.hub.Publish(groupID, env)
}

// mirrorMemberOnline 成员在线状态写入Redis镜像（尽力而为）
func (m *Manager) mirrorMemberOnline(ctx context.Context, groupID string, member *model.Member) {
	if m.cache == nil {
		return
	}
	if err := m.cache.SetMemberOnline(ctx, groupID, member); err != nil {
		logger.Warn("设置成员在线镜像失败",
			logger.String("groupId", groupID),
			logger.ErrorField(err))
	}
}

func groupStatePayload(g *model.Group) model.GroupStatePayload {
	return model.GroupStatePayload{
		ID:           g.ID,
		Name:         g.Name,
		Code:         g.Code,
		Members:      g.Members,
		CurrentTrack: g.CurrentTrack,
	}
}
