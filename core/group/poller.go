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

// PlaybackProvider 外部播放服务的抽象
// 任何调用都可能返回 spotify.AuthExpiredError（凭证失效）或 spotify.TransientError（临时故障）
// 调用过程中刷新了access token时，新token会写回creds
type PlaybackProvider interface {
	GetPlayback(ctx context.Context, creds *model.SpotifyCredentials) (*model.PlaybackState, error)
	GetQueue(ctx context.Context, creds *model.SpotifyCredentials) (*model.QueueState, error)
	SkipNext(ctx context.Context, creds *model.SpotifyCredentials) error
	Enqueue(ctx context.Context, creds *model.SpotifyCredentials, trackURI string) error
	Search(ctx context.Context, creds *model.SpotifyCredentials, query string, limit int) ([]model.Track, error)
	GetDevices(ctx context.Context, creds *model.SpotifyCredentials) ([]model.Device, error)
}

// watcher 一个被轮询群组的控制句柄
type watcher struct {
	stop     chan struct{}
	finished chan struct{}
	stopOnce sync.Once
}

// playbackEssentials 变化检测只关心的播放字段子集
// progress 这类持续变化的字段被刻意排除，避免广播风暴
type playbackEssentials struct {
	isPlaying bool
	trackID   string
	shuffle   bool
	repeat    string
}

// pollState 单个群组的轮询状态，只被该群组的轮询协程访问
type pollState struct {
	lastTrackID  string
	lastPlayback *playbackEssentials
	lastQueue    []string
}

// Poller 播放状态轮询器
// 每个被观看的群组一个独立的定时协程，查询Spotify、对比快照、推送差异
type Poller struct {
	registry *Registry
	hub      *Hub
	provider PlaybackProvider
	cache    *cache.GroupCache // 可为nil，快照镜像是尽力而为的
	interval time.Duration
	timeout  time.Duration

	mu       sync.Mutex
	watchers map[string]*watcher
}

// NewPoller 创建轮询器
func NewPoller(registry *Registry, hub *Hub, provider PlaybackProvider, groupCache *cache.GroupCache, interval, timeout time.Duration) *Poller {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Poller{
		registry: registry,
		hub:      hub,
		provider: provider,
		cache:    groupCache,
		interval: interval,
		timeout:  timeout,
		watchers: make(map[string]*watcher),
	}
}

// Start 开始轮询群组，已在轮询时是空操作
func (p *Poller) Start(groupID string) {
	p.mu.Lock()
	if _, running := p.watchers[groupID]; running {
		p.mu.Unlock()
		return
	}
	w := &watcher{
		stop:     make(chan struct{}),
		finished: make(chan struct{}),
	}
	p.watchers[groupID] = w
	p.mu.Unlock()

	logger.Info("polling started",
		logger.String("groupId", groupID),
		logger.Duration("interval", p.interval))

	go p.run(groupID, w)
}

// Stop 停止轮询群组
// 返回时保证没有进行中的tick，之后删除群组状态是安全的
func (p *Poller) Stop(groupID string) {
	p.mu.Lock()
	w, ok := p.watchers[groupID]
	if ok {
		delete(p.watchers, groupID)
	}
	p.mu.Unlock()
	if !ok {
		return
	}

	w.stopOnce.Do(func() { close(w.stop) })
	<-w.finished

	logger.Info("polling stopped", logger.String("groupId", groupID))
}

// StopAll 停止所有轮询（进程退出时调用）
func (p *Poller) StopAll() {
	p.mu.Lock()
	all := make(map[string]*watcher, len(p.watchers))
	for id, w := range p.watchers {
		all[id] = w
	}
	p.watchers = make(map[string]*watcher)
	p.mu.Unlock()

	for id, w := range all {
		w.stopOnce.Do(func() { close(w.stop) })
		<-w.finished
		logger.Info("polling stopped", logger.String("groupId", id))
	}
}

// IsPolling 检查群组是否在轮询中
func (p *Poller) IsPolling(groupID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.watchers[groupID]
	return ok
}

// ActiveGroups 当前在轮询的群组ID列表
func (p *Poller) ActiveGroups() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]string, 0, len(p.watchers))
	for id := range p.watchers {
		ids = append(ids, id)
	}
	return ids
}

// run 单个群组的轮询主循环
// 停止信号只在tick边界检查，不会中断进行中的tick
func (p *Poller) run(groupID string, w *watcher) {
	defer close(w.finished)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	st := &pollState{}
	for {
		select {
		case <-w.stop:
			return
		case <-ticker.C:
			if !p.tick(groupID, st) {
				p.removeWatcher(groupID, w)
				return
			}
		}
	}
}

// removeWatcher 轮询协程自行退出时清理句柄
func (p *Poller) removeWatcher(groupID string, w *watcher) {
	p.mu.Lock()
	if cur, ok := p.watchers[groupID]; ok && cur == w {
		delete(p.watchers, groupID)
	}
	p.mu.Unlock()
}

// tick 执行一轮查询与差异推送，返回false时轮询终止
func (p *Poller) tick(groupID string, st *pollState) bool {
	creds, ok := p.registry.AdminCredentials(groupID)
	if !ok {
		// 群组已删除
		logger.Debug("group gone, stopping poller", logger.String("groupId", groupID))
		return false
	}
	tokenBefore := creds.AccessToken

	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()

	playback, err := p.provider.GetPlayback(ctx, &creds)
	if err != nil {
		return p.handleTickError(groupID, err)
	}

	queueState, err := p.provider.GetQueue(ctx, &creds)
	if err != nil {
		return p.handleTickError(groupID, err)
	}

	// 调用期间刷新过token则写回
	if creds.AccessToken != tokenBefore {
		p.registry.UpdateAdminAccessToken(groupID, creds.AccessToken)
	}

	p.diffAndPublish(groupID, st, playback, queueState)
	return true
}

// handleTickError 凭证失效永久停止该群组的轮询，其他错误跳过本轮下次重试
func (p *Poller) handleTickError(groupID string, err error) bool {
	if spotify.IsAuthExpired(err) {
		logger.Warn("admin credentials expired, polling stopped for group",
			logger.String("groupId", groupID),
			logger.ErrorField(err))
		return false
	}
	logger.Debug("transient poll error, will retry next tick",
		logger.String("groupId", groupID),
		logger.ErrorField(err))
	return true
}

// diffAndPublish 对比快照并广播变化
func (p *Poller) diffAndPublish(groupID string, st *pollState, playback *model.PlaybackState, queueState *model.QueueState) {
	var newTrackID string
	var currentTrack *model.Track
	if playback != nil && playback.Item != nil {
		newTrackID = playback.Item.ID
		currentTrack = playback.Item
	}

	newEss := essentials(playback)
	trackChanged := newTrackID != st.lastTrackID
	playbackChanged := essentialsChanged(st.lastPlayback, newEss)

	var queueIDs []string
	var queue []model.Track
	if queueState != nil {
		queue = queueState.Queue
		queueIDs = make([]string, len(queue))
		for i := range queue {
			queueIDs[i] = queue[i].ID
		}
	}
	queueChanged := queueOrderChanged(st.lastQueue, queueIDs)

	if trackChanged || playbackChanged {
		st.lastTrackID = newTrackID
		st.lastPlayback = newEss

		p.registry.UpdateCurrentTrack(groupID, currentTrack)
		p.mirrorPlayback(groupID, playback)

		env, err := model.NewEnvelope(model.EnvTypePlaybackUpdate, model.PlaybackUpdatePayload{
			CurrentTrack: currentTrack,
		})
		if err != nil {
			logger.Warn("序列化播放更新失败", logger.ErrorField(err))
		} else {
			p.hub.Publish(groupID, env)
			logger.Debug("playback update published",
				logger.String("groupId", groupID),
				logger.String("trackId", newTrackID),
				logger.Bool("trackChanged", trackChanged))
		}
	}

	if queueChanged {
		st.lastQueue = queueIDs

		env, err := model.NewEnvelope(model.EnvTypeQueueUpdate, model.QueueUpdatePayload{
			Queue: queue,
		})
		if err != nil {
			logger.Warn("序列化队列更新失败", logger.ErrorField(err))
		} else {
			p.hub.Publish(groupID, env)
			logger.Debug("queue update published",
				logger.String("groupId", groupID),
				logger.Int("queueLength", len(queue)))
		}
	}
}

// mirrorPlayback 把最新播放快照镜像到Redis（尽力而为）
func (p *Poller) mirrorPlayback(groupID string, playback *model.PlaybackState) {
	if p.cache == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := p.cache.SetPlaybackSnapshot(ctx, groupID, playback); err != nil {
		logger.Warn("failed to mirror playback snapshot",
			logger.String("groupId", groupID),
			logger.ErrorField(err))
	}
}

// essentials 提取变化检测关心的字段子集；playback为nil时返回nil
func essentials(playback *model.PlaybackState) *playbackEssentials {
	if playback == nil {
		return nil
	}
	ess := &playbackEssentials{
		isPlaying: playback.IsPlaying,
		shuffle:   playback.ShuffleState,
		repeat:    playback.RepeatState,
	}
	if playback.Item != nil {
		ess.trackID = playback.Item.ID
	}
	return ess
}

// essentialsChanged 只比较 is-playing、曲目ID、随机、循环 四个字段
func essentialsChanged(prev, cur *playbackEssentials) bool {
	if prev == nil && cur == nil {
		return false
	}
	if prev == nil || cur == nil {
		return true
	}
	return *prev != *cur
}

// queueOrderChanged 只比较曲目ID的顺序，长度不同或任一位置不同即视为变化
func queueOrderChanged(prev, cur []string) bool {
	if len(prev) != len(cur) {
		return true
	}
	for i := range prev {
		if prev[i] != cur[i] {
			return true
		}
	}
	return false
}
