package group

import (
	"GroupFM/logger"
	"GroupFM/model"
)

// 投票跳过共识
// 每首曲目的跳过投票可切换，现有成员的严格多数通过后才执行跳过

// ToggleVote 切换成员的跳过投票，返回切换后的计票结果
// 非成员投票是预期中的竞争（成员可能刚刚离开），返回无投票结果而不是错误
func (r *Registry) ToggleVote(groupID, memberID string) model.VoteResult {
	e, ok := r.lookup(groupID)
	if !ok {
		return model.VoteResult{}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.dead || !e.g.HasMember(memberID) {
		return model.VoteResult{}
	}

	voted := true
	if e.g.HasVoted(memberID) {
		// 再次投票取消之前的投票
		votes := e.g.SkipVotes[:0:0]
		for _, id := range e.g.SkipVotes {
			if id != memberID {
				votes = append(votes, id)
			}
		}
		e.g.SkipVotes = votes
		voted = false
	} else {
		e.g.SkipVotes = append(e.g.SkipVotes, memberID)
	}
	touch(e.g)

	result := model.VoteResult{
		Voted:        voted,
		SkipVotes:    len(e.g.SkipVotes),
		TotalMembers: len(e.g.Members),
	}

	logger.Info("skip vote toggled",
		logger.String("groupId", groupID),
		logger.String("userId", memberID),
		logger.Bool("voted", voted),
		logger.Int("skipVotes", result.SkipVotes),
		logger.Int("totalMembers", result.TotalMembers))

	return result
}

// ShouldSkip 检查是否达到严格多数
// 用整数比较 2*votes > members，避免浮点除法的边界问题；平票不通过
func (r *Registry) ShouldSkip(groupID string) bool {
	e, ok := r.lookup(groupID)
	if !ok {
		return false
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.dead {
		return false
	}
	return 2*len(e.g.SkipVotes) > len(e.g.Members)
}

// ClearVotes 清空跳过投票
// 只在跳歌确实执行成功之后调用一次；跳歌失败时保留投票以便重试
func (r *Registry) ClearVotes(groupID string) {
	e, ok := r.lookup(groupID)
	if !ok {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.dead {
		return
	}
	e.g.SkipVotes = []string{}
	touch(e.g)

	logger.Debug("skip votes cleared", logger.String("groupId", groupID))
}

// VoteCounts 当前计票（不做切换）
func (r *Registry) VoteCounts(groupID string) (skipVotes, totalMembers int, ok bool) {
	e, found := r.lookup(groupID)
	if !found {
		return 0, 0, false
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.dead {
		return 0, 0, false
	}
	return len(e.g.SkipVotes), len(e.g.Members), true
}
