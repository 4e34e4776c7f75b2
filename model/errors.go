package model

import "errors"

// 核心操作的类型化错误
// 预期中的竞争（比如刚离开的成员投票）不会返回错误，而是返回无操作结果
var (
	// ErrGroupNotFound 群组ID或加入码不存在
	ErrGroupNotFound = errors.New("group not found")

	// ErrNotMember 调用者不是目标群组的成员
	ErrNotMember = errors.New("not a member of this group")
)
