package group

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"GroupFM/core/spotify"
	"GroupFM/model"
)

func newTestManager(fp *fakeProvider) (*Manager, *Registry, *Hub) {
	r := NewRegistry()
	h := NewHub()
	p := newTestPoller(r, h, fp)
	m := NewManager(r, h, p, fp, nil)
	return m, r, h
}

func TestSubscribeSendsInitialEnvelopes(t *testing.T) {
	fp := &fakeProvider{}
	m, _, _ := newTestManager(fp)
	ctx := context.Background()

	g, err := m.CreateGroup(ctx, testMember("u1", "Alice"), testCreds(), "g")
	if err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}

	sub, err := m.Subscribe(g.ID, "u1")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	first := <-sub.C
	if first.Type != model.EnvTypeConnected {
		t.Errorf("first envelope = %q, want connected", first.Type)
	}
	second := <-sub.C
	if second.Type != model.EnvTypeGroupState {
		t.Errorf("second envelope = %q, want group_state", second.Type)
	}

	var state model.GroupStatePayload
	if err := json.Unmarshal(second.Data, &state); err != nil {
		t.Fatalf("unmarshal group state: %v", err)
	}
	if state.ID != g.ID || state.Code != g.Code {
		t.Errorf("group state payload = %+v, want id %s code %s", state, g.ID, g.Code)
	}

	// 第一个订阅者触发轮询
	if !m.poller.IsPolling(g.ID) {
		t.Error("polling not started for watched group")
	}

	m.Unsubscribe(sub)
	if m.poller.IsPolling(g.ID) {
		t.Error("polling still running with no subscribers")
	}
}

func TestReconnectSurvivesStaleUnsubscribe(t *testing.T) {
	m, _, h := newTestManager(&fakeProvider{})
	ctx := context.Background()

	g, _ := m.CreateGroup(ctx, testMember("u1", "Alice"), testCreds(), "g")

	// 第一个连接
	stale, err := m.Subscribe(g.ID, "u1")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	// 同一成员重连，旧订阅被替换
	fresh, err := m.Subscribe(g.ID, "u1")
	if err != nil {
		t.Fatalf("Subscribe again: %v", err)
	}

	// 旧连接的处理器随后才执行延迟清理，不能动到新订阅
	m.Unsubscribe(stale)

	if h.SubscriberCount(g.ID) != 1 {
		t.Fatalf("subscriber count = %d, want 1: stale unsubscribe removed the replacement", h.SubscriberCount(g.ID))
	}
	if !m.poller.IsPolling(g.ID) {
		t.Error("polling stopped although the replacement subscriber is still connected")
	}

	// 新订阅仍然收到广播
	<-fresh.C // connected
	<-fresh.C // group_state
	m.broadcastGroupState(g.ID)
	select {
	case env := <-fresh.C:
		if env.Type != model.EnvTypeGroupState {
			t.Errorf("replacement received %q, want group_state", env.Type)
		}
	default:
		t.Error("replacement subscription received nothing after stale unsubscribe")
	}

	// 新连接自己退出时才真正清理
	m.Unsubscribe(fresh)
	if h.HasSubscribers(g.ID) {
		t.Error("subscriber table not empty after the live connection unsubscribed")
	}
	if m.poller.IsPolling(g.ID) {
		t.Error("polling still running with no subscribers")
	}
}

func TestSubscribeNonMember(t *testing.T) {
	m, _, _ := newTestManager(&fakeProvider{})
	ctx := context.Background()

	g, _ := m.CreateGroup(ctx, testMember("u1", "Alice"), testCreds(), "g")

	if _, err := m.Subscribe(g.ID, "stranger"); !errors.Is(err, model.ErrNotMember) {
		t.Errorf("Subscribe(non-member) = %v, want ErrNotMember", err)
	}
	if _, err := m.Subscribe("no-such-group", "u1"); !errors.Is(err, model.ErrGroupNotFound) {
		t.Errorf("Subscribe(unknown group) = %v, want ErrGroupNotFound", err)
	}
}

func TestVoteSkipMajorityTriggersSkip(t *testing.T) {
	fp := &fakeProvider{}
	m, r, h := newTestManager(fp)
	ctx := context.Background()

	g, _ := m.CreateGroup(ctx, testMember("u1", "Alice"), testCreds(), "g")
	m.JoinByCode(ctx, g.Code, testMember("u2", "Bob"))
	m.JoinByCode(ctx, g.Code, testMember("u3", "Carol"))

	sub := h.Subscribe(g.ID, "u3")

	res, err := m.VoteSkip(ctx, g.ID, "u1")
	if err != nil {
		t.Fatalf("VoteSkip: %v", err)
	}
	if res.Skipped || res.SkipVotes != 1 {
		t.Errorf("first vote = %+v, want 1/3 not skipped", res)
	}
	if fp.skipCalls != 0 {
		t.Errorf("skip called before majority")
	}

	res, err = m.VoteSkip(ctx, g.ID, "u2")
	if err != nil {
		t.Fatalf("VoteSkip: %v", err)
	}
	if !res.Skipped {
		t.Errorf("2/3 votes should skip, got %+v", res)
	}
	if fp.skipCalls != 1 {
		t.Errorf("skip calls = %d, want 1", fp.skipCalls)
	}

	// 跳歌后投票清零
	if votes, _, _ := r.VoteCounts(g.ID); votes != 0 {
		t.Errorf("votes after skip = %d, want 0", votes)
	}

	// 订阅者收到了两次投票更新
	var voteUpdates int
	for _, typ := range drain(sub) {
		if typ == model.EnvTypeVoteUpdate {
			voteUpdates++
		}
	}
	if voteUpdates != 2 {
		t.Errorf("vote updates received = %d, want 2", voteUpdates)
	}
}

func TestVoteSkipRetriesTransientFailure(t *testing.T) {
	fp := &fakeProvider{
		skipErrs: []error{&spotify.TransientError{Err: errors.New("502")}},
	}
	m, r, _ := newTestManager(fp)
	ctx := context.Background()

	g, _ := m.CreateGroup(ctx, testMember("u1", "Alice"), testCreds(), "g")

	// 单人群组，一票即多数；第一次跳歌失败后立即重试成功
	res, err := m.VoteSkip(ctx, g.ID, "u1")
	if err != nil {
		t.Fatalf("VoteSkip: %v", err)
	}
	if !res.Skipped {
		t.Errorf("retry should succeed, got %+v", res)
	}
	if fp.skipCalls != 2 {
		t.Errorf("skip calls = %d, want 2", fp.skipCalls)
	}
	if votes, _, _ := r.VoteCounts(g.ID); votes != 0 {
		t.Errorf("votes after successful retry = %d, want 0", votes)
	}
}

func TestVoteSkipKeepsVotesOnFailure(t *testing.T) {
	fp := &fakeProvider{
		skipErrs: []error{
			&spotify.TransientError{Err: errors.New("502")},
			&spotify.TransientError{Err: errors.New("502")},
		},
	}
	m, r, _ := newTestManager(fp)
	ctx := context.Background()

	g, _ := m.CreateGroup(ctx, testMember("u1", "Alice"), testCreds(), "g")

	res, err := m.VoteSkip(ctx, g.ID, "u1")
	if err != nil {
		t.Fatalf("VoteSkip: %v", err)
	}
	if res.Skipped {
		t.Error("skip reported success despite provider failure")
	}
	// 投票保留，等待下一次触发
	if votes, _, _ := r.VoteCounts(g.ID); votes != 1 {
		t.Errorf("votes after failed skip = %d, want 1", votes)
	}
}

func TestVoteSkipNonMemberIsNoop(t *testing.T) {
	fp := &fakeProvider{}
	m, _, _ := newTestManager(fp)
	ctx := context.Background()

	g, _ := m.CreateGroup(ctx, testMember("u1", "Alice"), testCreds(), "g")

	res, err := m.VoteSkip(ctx, g.ID, "stranger")
	if err != nil {
		t.Fatalf("VoteSkip: %v", err)
	}
	if res.Voted || res.Skipped || res.TotalMembers != 0 {
		t.Errorf("non-member vote = %+v, want empty result", res)
	}
	if fp.skipCalls != 0 {
		t.Error("non-member vote triggered a skip")
	}
}

func TestAddToQueue(t *testing.T) {
	fp := &fakeProvider{}
	m, _, h := newTestManager(fp)
	ctx := context.Background()

	g, _ := m.CreateGroup(ctx, testMember("u1", "Alice"), testCreds(), "g")
	m.JoinByCode(ctx, g.Code, testMember("u2", "Bob"))

	sub := h.Subscribe(g.ID, "u1")

	tr := track("t7", "Seven")
	if err := m.AddToQueue(ctx, g.ID, testMember("u2", "Bob"), tr); err != nil {
		t.Fatalf("AddToQueue: %v", err)
	}
	if len(fp.enqueuedURIs) != 1 || fp.enqueuedURIs[0] != tr.URI {
		t.Errorf("enqueued = %v, want [%s]", fp.enqueuedURIs, tr.URI)
	}

	// 全组收到点歌通知
	var found bool
	for _, typ := range drain(sub) {
		if typ == model.EnvTypeTrackAdded {
			found = true
		}
	}
	if !found {
		t.Error("track added notification not broadcast")
	}

	if err := m.AddToQueue(ctx, g.ID, testMember("stranger", "X"), tr); !errors.Is(err, model.ErrNotMember) {
		t.Errorf("AddToQueue(non-member) = %v, want ErrNotMember", err)
	}
}

func TestAdminLeaveDissolvesAndNotifies(t *testing.T) {
	fp := &fakeProvider{}
	m, r, _ := newTestManager(fp)
	ctx := context.Background()

	g, _ := m.CreateGroup(ctx, testMember("u1", "Alice"), testCreds(), "g")
	m.JoinByCode(ctx, g.Code, testMember("u2", "Bob"))

	sub, err := m.Subscribe(g.ID, "u2")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	<-sub.C // connected
	<-sub.C // group_state

	if err := m.LeaveGroup(ctx, g.ID, "u1"); err != nil {
		t.Fatalf("LeaveGroup(admin): %v", err)
	}

	env, ok := <-sub.C
	if !ok {
		t.Fatal("channel closed before group_deleted was delivered")
	}
	if env.Type != model.EnvTypeGroupDeleted {
		t.Errorf("last envelope = %q, want group_deleted", env.Type)
	}
	if _, ok := <-sub.C; ok {
		t.Error("subscription channel not closed after dissolve")
	}

	if _, err := r.GetGroup(g.ID); !errors.Is(err, model.ErrGroupNotFound) {
		t.Errorf("group still present after admin left: %v", err)
	}
	if m.poller.IsPolling(g.ID) {
		t.Error("polling still running after dissolve")
	}
}

func TestMemberLeaveBroadcastsState(t *testing.T) {
	fp := &fakeProvider{}
	m, r, _ := newTestManager(fp)
	ctx := context.Background()

	g, _ := m.CreateGroup(ctx, testMember("u1", "Alice"), testCreds(), "g")
	m.JoinByCode(ctx, g.Code, testMember("u2", "Bob"))

	sub, _ := m.Subscribe(g.ID, "u1")
	<-sub.C // connected
	<-sub.C // group_state

	if err := m.LeaveGroup(ctx, g.ID, "u2"); err != nil {
		t.Fatalf("LeaveGroup: %v", err)
	}

	env := <-sub.C
	if env.Type != model.EnvTypeGroupState {
		t.Fatalf("envelope after leave = %q, want group_state", env.Type)
	}
	var state model.GroupStatePayload
	if err := json.Unmarshal(env.Data, &state); err != nil {
		t.Fatalf("unmarshal group state: %v", err)
	}
	if len(state.Members) != 1 || state.Members[0].ID != "u1" {
		t.Errorf("members after leave = %v, want only u1", state.Members)
	}

	if _, err := r.GetGroup(g.ID); err != nil {
		t.Errorf("group dissolved by non-admin leave: %v", err)
	}
}

func TestSearchRequiresMembership(t *testing.T) {
	fp := &fakeProvider{searchResults: []model.Track{track("s1", "Result")}}
	m, _, _ := newTestManager(fp)
	ctx := context.Background()

	g, _ := m.CreateGroup(ctx, testMember("u1", "Alice"), testCreds(), "g")

	tracks, err := m.Search(ctx, g.ID, "u1", "query", 10)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(tracks) != 1 || tracks[0].ID != "s1" {
		t.Errorf("search results = %v", tracks)
	}

	if _, err := m.Search(ctx, g.ID, "stranger", "query", 10); !errors.Is(err, model.ErrNotMember) {
		t.Errorf("Search(non-member) = %v, want ErrNotMember", err)
	}
}

func TestDebugGroupsSnapshot(t *testing.T) {
	fp := &fakeProvider{playback: playbackWith(track("t1", "Song"), true)}
	m, _, _ := newTestManager(fp)
	ctx := context.Background()

	g, _ := m.CreateGroup(ctx, testMember("u1", "Alice"), testCreds(), "debug-me")
	m.JoinByCode(ctx, g.Code, testMember("u2", "Bob"))
	m.VoteSkip(ctx, g.ID, "u2")

	sub, err := m.Subscribe(g.ID, "u1")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer m.Unsubscribe(sub)

	snaps := m.DebugGroups(ctx)
	if len(snaps) != 1 {
		t.Fatalf("DebugGroups returned %d groups, want 1", len(snaps))
	}

	d := snaps[0]
	if d.ID != g.ID || d.Code != g.Code || d.Name != "debug-me" {
		t.Errorf("identity fields = %+v", d)
	}
	if d.MemberCount != 2 {
		t.Errorf("memberCount = %d, want 2", d.MemberCount)
	}
	if d.SkipVotes != 1 {
		t.Errorf("skipVotes = %d, want 1", d.SkipVotes)
	}
	if d.Subscribers != 1 {
		t.Errorf("subscribers = %d, want 1", d.Subscribers)
	}
	if !d.Polling {
		t.Error("polling = false, want true while a subscriber is connected")
	}
	if d.LastActivity.IsZero() {
		t.Error("lastActivity not populated")
	}
}
