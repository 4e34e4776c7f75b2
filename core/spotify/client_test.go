package spotify

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"GroupFM/model"
)

// newTestClient 把客户端指向本地测试服务器
func newTestClient(apiURL, accountsURL string) *Client {
	c := NewClient("client-id", "client-secret")
	c.SetAPIURL(apiURL)
	c.SetAccountsURL(accountsURL)
	return c
}

func testCreds() *model.SpotifyCredentials {
	return &model.SpotifyCredentials{AccessToken: "old-token", RefreshToken: "refresh-token"}
}

// newAccountsServer 返回一个签发 new-token 的账户服务
func newAccountsServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/token" {
			t.Errorf("refresh path = %q, want /api/token", r.URL.Path)
		}
		if err := r.ParseForm(); err != nil {
			t.Fatalf("parse form: %v", err)
		}
		if got := r.Form.Get("grant_type"); got != "refresh_token" {
			t.Errorf("grant_type = %q", got)
		}
		if got := r.Form.Get("refresh_token"); got != "refresh-token" {
			t.Errorf("refresh_token = %q", got)
		}
		if user, pass, ok := r.BasicAuth(); !ok || user != "client-id" || pass != "client-secret" {
			t.Errorf("basic auth = %q:%q, want client credentials", user, pass)
		}
		json.NewEncoder(w).Encode(map[string]string{"access_token": "new-token"})
	}))
}

const playbackJSON = `{
	"is_playing": true,
	"progress_ms": 12345,
	"shuffle_state": true,
	"repeat_state": "context",
	"item": {
		"id": "track1",
		"name": "Song One",
		"uri": "spotify:track:track1",
		"duration_ms": 180000,
		"artists": [{"name": "Artist A"}, {"name": "Artist B"}],
		"album": {"name": "Album X", "images": [{"url": "http://img/1.jpg"}]}
	}
}`

func TestGetPlayback(t *testing.T) {
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/me/player" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer old-token" {
			t.Errorf("authorization = %q", got)
		}
		fmt.Fprint(w, playbackJSON)
	}))
	defer api.Close()

	c := newTestClient(api.URL, "")
	playback, err := c.GetPlayback(context.Background(), testCreds())
	if err != nil {
		t.Fatalf("GetPlayback: %v", err)
	}

	if !playback.IsPlaying || playback.ProgressMs != 12345 {
		t.Errorf("playback = %+v", playback)
	}
	if !playback.ShuffleState || playback.RepeatState != "context" {
		t.Errorf("shuffle/repeat = %v/%q", playback.ShuffleState, playback.RepeatState)
	}
	if playback.Item == nil {
		t.Fatal("item is nil")
	}
	if playback.Item.ID != "track1" || playback.Item.Album != "Album X" {
		t.Errorf("item = %+v", playback.Item)
	}
	if len(playback.Item.Artists) != 2 || playback.Item.Artists[0] != "Artist A" {
		t.Errorf("artists = %v", playback.Item.Artists)
	}
	if playback.Item.Image != "http://img/1.jpg" {
		t.Errorf("image = %q", playback.Item.Image)
	}
}

func TestGetPlaybackNoActiveDevice(t *testing.T) {
	for _, status := range []int{http.StatusNoContent, http.StatusNotFound} {
		api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(status)
		}))

		c := newTestClient(api.URL, "")
		playback, err := c.GetPlayback(context.Background(), testCreds())
		if err != nil {
			t.Errorf("status %d: GetPlayback returned error %v", status, err)
		}
		if playback != nil {
			t.Errorf("status %d: playback = %+v, want nil", status, playback)
		}
		api.Close()
	}
}

func TestRefreshOn401(t *testing.T) {
	accounts := newAccountsServer(t)
	defer accounts.Close()

	var calls int
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if r.Header.Get("Authorization") == "Bearer new-token" {
			fmt.Fprint(w, playbackJSON)
			return
		}
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer api.Close()

	c := newTestClient(api.URL, accounts.URL)
	creds := testCreds()

	playback, err := c.GetPlayback(context.Background(), creds)
	if err != nil {
		t.Fatalf("GetPlayback: %v", err)
	}
	if playback == nil || playback.Item == nil || playback.Item.ID != "track1" {
		t.Errorf("playback after refresh = %+v", playback)
	}
	if calls != 2 {
		t.Errorf("api calls = %d, want 2 (401 then retry)", calls)
	}
	// 新token写回凭证
	if creds.AccessToken != "new-token" {
		t.Errorf("access token = %q, want new-token", creds.AccessToken)
	}
}

func TestRefreshFailureIsAuthExpired(t *testing.T) {
	accounts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer accounts.Close()

	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer api.Close()

	c := newTestClient(api.URL, accounts.URL)
	_, err := c.GetPlayback(context.Background(), testCreds())
	if !IsAuthExpired(err) {
		t.Errorf("error = %v, want AuthExpiredError", err)
	}
}

func TestSecond401IsAuthExpired(t *testing.T) {
	accounts := newAccountsServer(t)
	defer accounts.Close()

	// 刷新成功但新token仍被拒绝（授权被撤销）
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer api.Close()

	c := newTestClient(api.URL, accounts.URL)
	_, err := c.GetPlayback(context.Background(), testCreds())
	if !IsAuthExpired(err) {
		t.Errorf("error = %v, want AuthExpiredError", err)
	}
}

func TestServerErrorsAreTransient(t *testing.T) {
	for _, status := range []int{http.StatusInternalServerError, http.StatusBadGateway, http.StatusTooManyRequests} {
		api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(status)
		}))

		c := newTestClient(api.URL, "")
		_, err := c.GetPlayback(context.Background(), testCreds())
		if !IsTransient(err) {
			t.Errorf("status %d: error = %v, want TransientError", status, err)
		}
		if IsAuthExpired(err) {
			t.Errorf("status %d misclassified as auth expiry", status)
		}
		api.Close()
	}
}

func TestNetworkErrorIsTransient(t *testing.T) {
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	api.Close() // 立即关闭，让连接失败

	c := newTestClient(api.URL, "")
	_, err := c.GetPlayback(context.Background(), testCreds())
	if !IsTransient(err) {
		t.Errorf("error = %v, want TransientError", err)
	}
}

func TestGetQueue(t *testing.T) {
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/me/player/queue" {
			t.Errorf("path = %q", r.URL.Path)
		}
		fmt.Fprint(w, `{
			"currently_playing": {"id": "now", "name": "Now Playing"},
			"queue": [
				{"id": "q1", "name": "Queued One"},
				{"id": "q2", "name": "Queued Two"}
			]
		}`)
	}))
	defer api.Close()

	c := newTestClient(api.URL, "")
	queue, err := c.GetQueue(context.Background(), testCreds())
	if err != nil {
		t.Fatalf("GetQueue: %v", err)
	}
	if queue.CurrentlyPlaying == nil || queue.CurrentlyPlaying.ID != "now" {
		t.Errorf("currently playing = %+v", queue.CurrentlyPlaying)
	}
	if len(queue.Queue) != 2 || queue.Queue[0].ID != "q1" || queue.Queue[1].ID != "q2" {
		t.Errorf("queue = %+v", queue.Queue)
	}
}

func TestGetQueueNoActiveDevice(t *testing.T) {
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer api.Close()

	c := newTestClient(api.URL, "")
	queue, err := c.GetQueue(context.Background(), testCreds())
	if err != nil {
		t.Fatalf("GetQueue: %v", err)
	}
	if queue == nil || len(queue.Queue) != 0 {
		t.Errorf("queue = %+v, want empty", queue)
	}
}

func TestSkipNext(t *testing.T) {
	var gotMethod, gotPath string
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod, gotPath = r.Method, r.URL.Path
		w.WriteHeader(http.StatusNoContent)
	}))
	defer api.Close()

	c := newTestClient(api.URL, "")
	if err := c.SkipNext(context.Background(), testCreds()); err != nil {
		t.Fatalf("SkipNext: %v", err)
	}
	if gotMethod != http.MethodPost || gotPath != "/me/player/next" {
		t.Errorf("request = %s %s, want POST /me/player/next", gotMethod, gotPath)
	}
}

func TestEnqueue(t *testing.T) {
	var gotURI string
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotURI = r.URL.Query().Get("uri")
		w.WriteHeader(http.StatusNoContent)
	}))
	defer api.Close()

	c := newTestClient(api.URL, "")
	if err := c.Enqueue(context.Background(), testCreds(), "spotify:track:abc"); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if gotURI != "spotify:track:abc" {
		t.Errorf("uri = %q", gotURI)
	}
}

func TestSearch(t *testing.T) {
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("q") != "daft punk" || q.Get("type") != "track" {
			t.Errorf("query = %v", q)
		}
		if q.Get("limit") != "20" {
			t.Errorf("limit = %q, want default 20", q.Get("limit"))
		}
		fmt.Fprint(w, `{"tracks": {"items": [{"id": "r1", "name": "One More Time"}]}}`)
	}))
	defer api.Close()

	c := newTestClient(api.URL, "")
	tracks, err := c.Search(context.Background(), testCreds(), "daft punk", 0)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(tracks) != 1 || tracks[0].Name != "One More Time" {
		t.Errorf("tracks = %+v", tracks)
	}
}
