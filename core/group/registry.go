package group

import (
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"GroupFM/logger"
	"GroupFM/model"

	"github.com/google/uuid"
)

const (
	// 加入码字母表：36个大写字母和数字
	codeAlphabet    = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	codeLength      = 6
	maxCodeAttempts = 100
)

// TeardownFunc 群组删除前的回调
// 负责停止轮询并清理订阅者，之后注册表才移除两张映射表中的条目
type TeardownFunc func(groupID string, g *model.Group, reason string)

// entry 注册表内的群组条目
// 单个群组的所有变更都在 entry 的互斥锁内串行化
type entry struct {
	mu   sync.Mutex
	g    *model.Group
	dead bool // 群组已进入删除流程
}

// Registry 群组注册表
// 持有 群组ID -> 群组 和 加入码 -> 群组ID 两张内存映射表
// 状态常驻内存，进程重启即丢失所有会话
type Registry struct {
	mu     sync.RWMutex
	groups map[string]*entry
	codes  map[string]string

	teardown TeardownFunc

	rngMu sync.Mutex
	rng   *rand.Rand
}

// NewRegistry 创建群组注册表
func NewRegistry() *Registry {
	return &Registry{
		groups: make(map[string]*entry),
		codes:  make(map[string]string),
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// SetTeardownHook 设置群组删除前的回调
func (r *Registry) SetTeardownHook(fn TeardownFunc) {
	r.teardown = fn
}

// CreateGroup 创建群组，管理员自动成为唯一成员
// name 为空时使用默认名称
func (r *Registry) CreateGroup(admin model.Member, creds model.SpotifyCredentials, name string) (*model.Group, error) {
	if name == "" {
		name = fmt.Sprintf("Groupe de %s", admin.Name)
	}

	now := time.Now()
	admin.JoinedAt = now

	g := &model.Group{
		ID:           uuid.NewString(),
		Name:         name,
		Admin:        admin,
		Credentials:  creds,
		Members:      []model.Member{admin},
		SkipVotes:    []string{},
		CreatedAt:    now,
		LastActivity: now,
	}

	r.mu.Lock()
	code, err := r.generateUniqueCode()
	if err != nil {
		r.mu.Unlock()
		return nil, err
	}
	g.Code = code
	r.groups[g.ID] = &entry{g: g}
	r.codes[code] = g.ID
	r.mu.Unlock()

	logger.Info("group created",
		logger.String("groupId", g.ID),
		logger.String("code", code),
		logger.String("adminId", admin.ID),
		logger.String("name", name))

	return snapshot(g), nil
}

// generateUniqueCode 拒绝采样生成未被占用的6位加入码（需要持有注册表写锁）
func (r *Registry) generateUniqueCode() (string, error) {
	r.rngMu.Lock()
	defer r.rngMu.Unlock()

	buf := make([]byte, codeLength)
	for attempt := 0; attempt < maxCodeAttempts; attempt++ {
		for i := range buf {
			buf[i] = codeAlphabet[r.rng.Intn(len(codeAlphabet))]
		}
		code := string(buf)
		if _, taken := r.codes[code]; !taken {
			return code, nil
		}
	}
	return "", fmt.Errorf("无法生成唯一加入码")
}

// lookup 按ID获取群组条目
func (r *Registry) lookup(groupID string) (*entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.groups[groupID]
	return e, ok
}

// GetGroup 按ID获取群组快照
func (r *Registry) GetGroup(groupID string) (*model.Group, error) {
	e, ok := r.lookup(groupID)
	if !ok {
		return nil, model.ErrGroupNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.dead {
		return nil, model.ErrGroupNotFound
	}
	return snapshot(e.g), nil
}

// GetGroupByCode 按加入码获取群组快照（大小写不敏感）
func (r *Registry) GetGroupByCode(code string) (*model.Group, error) {
	code = strings.ToUpper(code)

	r.mu.RLock()
	groupID, ok := r.codes[code]
	r.mu.RUnlock()
	if !ok {
		return nil, model.ErrGroupNotFound
	}
	return r.GetGroup(groupID)
}

// AddMember 把成员加入群组
// 成员已存在时是幂等空操作
func (r *Registry) AddMember(groupID string, member model.Member) (*model.Group, error) {
	e, ok := r.lookup(groupID)
	if !ok {
		return nil, model.ErrGroupNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.dead {
		return nil, model.ErrGroupNotFound
	}

	if e.g.HasMember(member.ID) {
		return snapshot(e.g), nil
	}

	member.JoinedAt = time.Now()
	e.g.Members = append(e.g.Members, member)
	touch(e.g)

	logger.Info("member joined group",
		logger.String("groupId", groupID),
		logger.String("userId", member.ID),
		logger.String("username", member.Name),
		logger.Int("memberCount", len(e.g.Members)))

	return snapshot(e.g), nil
}

// RemoveMember 把成员移出群组，投票一并移除
// 管理员离开或成员清零时解散群组：先停轮询、踢订阅者，再删除注册表条目
func (r *Registry) RemoveMember(groupID, memberID string) error {
	e, ok := r.lookup(groupID)
	if !ok {
		return model.ErrGroupNotFound
	}

	e.mu.Lock()
	if e.dead {
		e.mu.Unlock()
		return model.ErrGroupNotFound
	}

	// 不是成员就直接返回，不更新活跃时间
	if !e.g.HasMember(memberID) {
		e.mu.Unlock()
		return nil
	}

	members := e.g.Members[:0:0]
	for _, m := range e.g.Members {
		if m.ID != memberID {
			members = append(members, m)
		}
	}
	e.g.Members = members

	votes := e.g.SkipVotes[:0:0]
	for _, id := range e.g.SkipVotes {
		if id != memberID {
			votes = append(votes, id)
		}
	}
	e.g.SkipVotes = votes

	touch(e.g)

	isAdmin := e.g.Admin.ID == memberID
	dissolve := isAdmin || len(e.g.Members) == 0
	var g *model.Group
	if dissolve {
		e.dead = true
		g = snapshot(e.g)
	}
	e.mu.Unlock()

	logger.Info("member left group",
		logger.String("groupId", groupID),
		logger.String("userId", memberID),
		logger.Bool("isAdmin", isAdmin))

	if dissolve {
		reason := "empty"
		if isAdmin {
			reason = "admin_left"
		}
		r.destroy(groupID, g, reason)
	}
	return nil
}

// destroy 执行群组删除：回调（停轮询、清订阅）之后再移除映射表条目
func (r *Registry) destroy(groupID string, g *model.Group, reason string) {
	if r.teardown != nil {
		r.teardown(groupID, g, reason)
	}

	r.mu.Lock()
	delete(r.groups, groupID)
	delete(r.codes, g.Code)
	r.mu.Unlock()

	logger.Info("group deleted",
		logger.String("groupId", groupID),
		logger.String("code", g.Code),
		logger.String("reason", reason))
}

// Touch 刷新群组活跃时间
func (r *Registry) Touch(groupID string) {
	e, ok := r.lookup(groupID)
	if !ok {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.dead {
		touch(e.g)
	}
}

// UpdateCurrentTrack 更新群组当前曲目
func (r *Registry) UpdateCurrentTrack(groupID string, track *model.Track) {
	e, ok := r.lookup(groupID)
	if !ok {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.dead {
		return
	}
	e.g.CurrentTrack = track
	touch(e.g)
}

// AdminCredentials 获取管理员的Spotify凭证
func (r *Registry) AdminCredentials(groupID string) (model.SpotifyCredentials, bool) {
	e, ok := r.lookup(groupID)
	if !ok {
		return model.SpotifyCredentials{}, false
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.dead {
		return model.SpotifyCredentials{}, false
	}
	return e.g.Credentials, true
}

// UpdateAdminAccessToken 刷新后的access token写回群组
func (r *Registry) UpdateAdminAccessToken(groupID, accessToken string) {
	e, ok := r.lookup(groupID)
	if !ok {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.dead {
		return
	}
	e.g.Credentials.AccessToken = accessToken

	logger.Debug("admin access token updated", logger.String("groupId", groupID))
}

// IsMember 检查用户是否是群组成员
func (r *Registry) IsMember(groupID, memberID string) bool {
	e, ok := r.lookup(groupID)
	if !ok {
		return false
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return !e.dead && e.g.HasMember(memberID)
}

// GroupCount 当前活跃群组数
func (r *Registry) GroupCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.groups)
}

// AllGroups 获取所有群组快照（调试用）
func (r *Registry) AllGroups() []*model.Group {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.groups))
	for _, e := range r.groups {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	groups := make([]*model.Group, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		if !e.dead {
			groups = append(groups, snapshot(e.g))
		}
		e.mu.Unlock()
	}
	return groups
}

// SweepExpired 清理不活跃超过 maxAge 的群组，返回清理数量
// 由后台定时任务调用，不在请求路径上
func (r *Registry) SweepExpired(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)

	r.mu.RLock()
	candidates := make(map[string]*entry, len(r.groups))
	for id, e := range r.groups {
		candidates[id] = e
	}
	r.mu.RUnlock()

	swept := 0
	for id, e := range candidates {
		e.mu.Lock()
		expired := !e.dead && e.g.LastActivity.Before(cutoff)
		var g *model.Group
		if expired {
			e.dead = true
			g = snapshot(e.g)
		}
		e.mu.Unlock()

		if expired {
			r.destroy(id, g, "expired")
			swept++
		}
	}

	if swept > 0 {
		logger.Info("expired groups swept", logger.Int("count", swept))
	}
	return swept
}

// touch 刷新群组活跃时间（需要持有群组锁），保证单调不减
func touch(g *model.Group) {
	now := time.Now()
	if now.After(g.LastActivity) {
		g.LastActivity = now
	}
}

// snapshot 复制群组状态（需要持有群组锁）
// 调用方拿到的是副本，不会与轮询任务产生数据竞争
func snapshot(g *model.Group) *model.Group {
	cp := *g
	cp.Members = append([]model.Member(nil), g.Members...)
	cp.SkipVotes = append([]string(nil), g.SkipVotes...)
	if g.CurrentTrack != nil {
		t := *g.CurrentTrack
		cp.CurrentTrack = &t
	}
	return &cp
}
