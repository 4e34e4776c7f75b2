package group

import (
	"sync"

	"GroupFM/logger"
	"GroupFM/model"
)

// subscriptionBuffer 每个订阅者的消息缓冲大小
// 缓冲满视为订阅者失联，会被直接踢出
const subscriptionBuffer = 32

// Subscription 一个成员对群组的订阅
// 边界层（SSE/WebSocket处理器）负责消费 C，C 由 Hub 关闭
type Subscription struct {
	GroupID  string
	MemberID string
	C        chan model.Envelope
}

// Hub 群组广播中心
// 按群组维护订阅者表，向所有订阅者做尽力投递
type Hub struct {
	mu sync.RWMutex
	// 群组ID -> (成员ID -> 订阅)
	subs map[string]map[string]*Subscription
}

// NewHub 创建广播中心
func NewHub() *Hub {
	return &Hub{
		subs: make(map[string]map[string]*Subscription),
	}
}

// Subscribe 订阅群组消息
// 同一成员重复订阅时，旧订阅被关闭并替换
func (h *Hub) Subscribe(groupID, memberID string) *Subscription {
	sub := &Subscription{
		GroupID:  groupID,
		MemberID: memberID,
		C:        make(chan model.Envelope, subscriptionBuffer),
	}

	h.mu.Lock()
	if old, ok := h.subs[groupID][memberID]; ok {
		close(old.C)
	}
	if h.subs[groupID] == nil {
		h.subs[groupID] = make(map[string]*Subscription)
	}
	h.subs[groupID][memberID] = sub
	h.mu.Unlock()

	logger.Info("subscriber attached",
		logger.String("groupId", groupID),
		logger.String("userId", memberID))

	return sub
}

// Unsubscribe 取消订阅并关闭通道
// 只移除仍然注册的同一个订阅：连接被新订阅替换后，旧连接的延迟清理不会误伤新订阅
func (h *Hub) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if cur, ok := h.subs[sub.GroupID][sub.MemberID]; ok && cur == sub {
		h.remove(sub.GroupID, sub.MemberID)
	}
}

// Disconnect 断开成员在群组的当前订阅
// 成员离开群组时调用，无论其当前连接是哪一个
func (h *Hub) Disconnect(groupID, memberID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.remove(groupID, memberID)
}

// remove 移除订阅（内部方法，需要持有锁）
func (h *Hub) remove(groupID, memberID string) {
	subs, ok := h.subs[groupID]
	if !ok {
		return
	}
	sub, ok := subs[memberID]
	if !ok {
		return
	}
	delete(subs, memberID)
	close(sub.C)
	if len(subs) == 0 {
		delete(h.subs, groupID)
	}

	logger.Info("subscriber detached",
		logger.String("groupId", groupID),
		logger.String("userId", memberID))
}

// Publish 向群组所有订阅者投递消息
// 投递是尽力而为的：某个订阅者缓冲满时将其踢出，不影响其他订阅者，也不向调用方报错
func (h *Hub) Publish(groupID string, env model.Envelope) {
	h.mu.RLock()
	subs, ok := h.subs[groupID]
	if !ok {
		h.mu.RUnlock()
		return
	}

	// 投递在读锁内进行：通道的关闭只在写锁内发生，
	// 这样不会出现向已关闭通道发送的情况。发送本身是非阻塞的，不会长时间持锁。
	var dead []*Subscription
	for _, sub := range subs {
		select {
		case sub.C <- env:
		default:
			// 发送缓冲区满，视为失联
			dead = append(dead, sub)
		}
	}
	h.mu.RUnlock()

	if len(dead) == 0 {
		return
	}

	h.mu.Lock()
	for _, sub := range dead {
		// 只踢出仍然注册的同一个订阅，防止误伤刚重连的订阅
		if cur, ok := h.subs[groupID][sub.MemberID]; ok && cur == sub {
			h.remove(groupID, sub.MemberID)
			logger.Warn("subscriber evicted: send buffer full",
				logger.String("groupId", groupID),
				logger.String("userId", sub.MemberID))
		}
	}
	h.mu.Unlock()
}

// CloseGroup 关闭群组的所有订阅
// 群组解散时调用
func (h *Hub) CloseGroup(groupID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs, ok := h.subs[groupID]
	if !ok {
		return
	}
	for _, sub := range subs {
		close(sub.C)
	}
	delete(h.subs, groupID)

	logger.Info("group subscriptions closed", logger.String("groupId", groupID))
}

// SubscriberCount 获取群组当前订阅者数量
func (h *Hub) SubscriberCount(groupID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[groupID])
}

// HasSubscribers 检查群组是否有订阅者
func (h *Hub) HasSubscribers(groupID string) bool {
	return h.SubscriberCount(groupID) > 0
}
