package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"GroupFM/model"

	"github.com/go-redis/redis/v8"
)

const (
	groupMembersKey  = "group:%s:members"  // Hash: userID -> Member JSON
	groupPlaybackKey = "group:%s:playback" // String: 最新播放快照 JSON
	groupTTL         = 24 * time.Hour
)

// GroupCache 群组状态的Redis镜像
// 镜像是尽力而为的：注册表的内存状态才是权威，Redis不可用不影响核心流程
type GroupCache struct {
	client *redis.Client
}

// NewGroupCache 创建群组缓存
func NewGroupCache() *GroupCache {
	return &GroupCache{client: RedisClient}
}

// ========== 成员在线镜像 ==========

// SetMemberOnline 记录成员在线
func (c *GroupCache) SetMemberOnline(ctx context.Context, groupID string, member *model.Member) error {
	if c.client == nil {
		return fmt.Errorf("Redis client not initialized")
	}

	key := fmt.Sprintf(groupMembersKey, groupID)
	data, err := json.Marshal(member)
	if err != nil {
		return fmt.Errorf("failed to marshal member: %w", err)
	}

	pipe := c.client.Pipeline()
	pipe.HSet(ctx, key, member.ID, data)
	pipe.Expire(ctx, key, groupTTL)
	_, err = pipe.Exec(ctx)
	return err
}

// RemoveMemberOnline 移除成员在线记录
func (c *GroupCache) RemoveMemberOnline(ctx context.Context, groupID, memberID string) error {
	if c.client == nil {
		return fmt.Errorf("Redis client not initialized")
	}

	key := fmt.Sprintf(groupMembersKey, groupID)
	return c.client.HDel(ctx, key, memberID).Err()
}

// GetMembersOnline 获取群组的在线成员镜像
func (c *GroupCache) GetMembersOnline(ctx context.Context, groupID string) ([]model.Member, error) {
	if c.client == nil {
		return nil, fmt.Errorf("Redis client not initialized")
	}

	key := fmt.Sprintf(groupMembersKey, groupID)
	result, err := c.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, err
	}

	members := make([]model.Member, 0, len(result))
	for _, raw := range result {
		var m model.Member
		if err := json.Unmarshal([]byte(raw), &m); err != nil {
			continue
		}
		members = append(members, m)
	}
	return members, nil
}

// ========== 播放快照镜像 ==========

// SetPlaybackSnapshot 保存最新播放快照
func (c *GroupCache) SetPlaybackSnapshot(ctx context.Context, groupID string, playback *model.PlaybackState) error {
	if c.client == nil {
		return fmt.Errorf("Redis client not initialized")
	}

	key := fmt.Sprintf(groupPlaybackKey, groupID)
	if playback == nil {
		return c.client.Del(ctx, key).Err()
	}

	data, err := json.Marshal(playback)
	if err != nil {
		return fmt.Errorf("failed to marshal playback: %w", err)
	}
	return c.client.Set(ctx, key, data, groupTTL).Err()
}

// GetPlaybackSnapshot 读取最新播放快照
func (c *GroupCache) GetPlaybackSnapshot(ctx context.Context, groupID string) (*model.PlaybackState, error) {
	if c.client == nil {
		return nil, fmt.Errorf("Redis client not initialized")
	}

	key := fmt.Sprintf(groupPlaybackKey, groupID)
	data, err := c.client.Get(ctx, key).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, err
	}

	var playback model.PlaybackState
	if err := json.Unmarshal([]byte(data), &playback); err != nil {
		return nil, err
	}
	return &playback, nil
}

// ClearGroup 清理群组的全部缓存键
func (c *GroupCache) ClearGroup(ctx context.Context, groupID string) error {
	if c.client == nil {
		return fmt.Errorf("Redis client not initialized")
	}

	return c.client.Del(ctx,
		fmt.Sprintf(groupMembersKey, groupID),
		fmt.Sprintf(groupPlaybackKey, groupID),
	).Err()
}
