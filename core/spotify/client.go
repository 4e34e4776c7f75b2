package spotify

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"GroupFM/logger"
	"GroupFM/model"
)

// Client Spotify Web API客户端
// 凭证由调用方按群组传入，401时自动用refresh token换取新的access token并重试一次
type Client struct {
	clientID     string
	clientSecret string
	apiURL       string
	accountsURL  string
	httpClient   *http.Client
}

// NewClient 创建新的API客户端
func NewClient(clientID, clientSecret string) *Client {
	return &Client{
		clientID:     clientID,
		clientSecret: clientSecret,
		apiURL:       "https://api.spotify.com/v1",
		accountsURL:  "https://accounts.spotify.com",
		httpClient: &http.Client{
			Timeout: time.Second * 10,
		},
	}
}

// SetAPIURL 设置API基础URL（测试用）
func (c *Client) SetAPIURL(apiURL string) {
	c.apiURL = apiURL
}

// SetAccountsURL 设置账户服务基础URL（测试用）
func (c *Client) SetAccountsURL(accountsURL string) {
	c.accountsURL = accountsURL
}

// SetTimeout 设置请求超时时间
func (c *Client) SetTimeout(timeout time.Duration) {
	c.httpClient.Timeout = timeout
}

// doRequest 发送带鉴权的请求
// 遇到401时刷新一次access token并重试，刷新成功后新token写回creds
func (c *Client) doRequest(ctx context.Context, creds *model.SpotifyCredentials, method, endpoint string) ([]byte, int, error) {
	body, status, err := c.doOnce(ctx, creds.AccessToken, method, endpoint)
	if err != nil {
		return nil, 0, err
	}

	if status == http.StatusUnauthorized {
		newToken, refreshErr := c.refreshAccessToken(ctx, creds.RefreshToken)
		if refreshErr != nil {
			return nil, status, &AuthExpiredError{Err: refreshErr}
		}
		creds.AccessToken = newToken

		body, status, err = c.doOnce(ctx, creds.AccessToken, method, endpoint)
		if err != nil {
			return nil, 0, err
		}
		if status == http.StatusUnauthorized {
			return nil, status, &AuthExpiredError{Err: fmt.Errorf("token rejected after refresh")}
		}
	}

	if status == http.StatusTooManyRequests || status >= 500 {
		return nil, status, &TransientError{Err: fmt.Errorf("API returned status %d", status)}
	}

	return body, status, nil
}

// doOnce 发送单次请求，网络层错误归类为临时错误
func (c *Client) doOnce(ctx context.Context, accessToken, method, endpoint string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.apiURL+endpoint, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("创建请求失败: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, &TransientError{Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, &TransientError{Err: err}
	}

	return body, resp.StatusCode, nil
}

// refreshAccessToken 用refresh token换取新的access token
func (c *Client) refreshAccessToken(ctx context.Context, refreshToken string) (string, error) {
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.accountsURL+"/api/token", strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("创建刷新请求失败: %w", err)
	}

	basic := base64.StdEncoding.EncodeToString([]byte(c.clientID + ":" + c.clientSecret))
	req.Header.Set("Authorization", "Basic "+basic)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("刷新请求失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("token refresh failed: status %d", resp.StatusCode)
	}

	var result struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("解析刷新响应失败: %w", err)
	}
	if result.AccessToken == "" {
		return "", fmt.Errorf("refresh response missing access_token")
	}

	logger.Debug("spotify access token refreshed")
	return result.AccessToken, nil
}

// ========== API响应结构 ==========

type apiArtist struct {
	Name string `json:"name"`
}

type apiImage struct {
	URL string `json:"url"`
}

type apiAlbum struct {
	Name   string     `json:"name"`
	Images []apiImage `json:"images"`
}

type apiTrack struct {
	ID         string      `json:"id"`
	Name       string      `json:"name"`
	URI        string      `json:"uri"`
	DurationMs int         `json:"duration_ms"`
	Artists    []apiArtist `json:"artists"`
	Album      apiAlbum    `json:"album"`
}

func (t *apiTrack) toModel() *model.Track {
	if t == nil || t.ID == "" {
		return nil
	}
	artists := make([]string, 0, len(t.Artists))
	for _, a := range t.Artists {
		artists = append(artists, a.Name)
	}
	image := ""
	if len(t.Album.Images) > 0 {
		image = t.Album.Images[0].URL
	}
	return &model.Track{
		ID:         t.ID,
		Name:       t.Name,
		Artists:    artists,
		Album:      t.Album.Name,
		Image:      image,
		URI:        t.URI,
		DurationMs: t.DurationMs,
	}
}

// ========== 播放接口 ==========

// GetPlayback 获取当前播放状态
// 204/404 表示没有活跃设备，返回 nil
func (c *Client) GetPlayback(ctx context.Context, creds *model.SpotifyCredentials) (*model.PlaybackState, error) {
	body, status, err := c.doRequest(ctx, creds, http.MethodGet, "/me/player")
	if err != nil {
		return nil, err
	}
	if status == http.StatusNoContent || status == http.StatusNotFound {
		return nil, nil
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("API returned status %d", status)
	}

	var result struct {
		IsPlaying    bool      `json:"is_playing"`
		ProgressMs   int       `json:"progress_ms"`
		ShuffleState bool      `json:"shuffle_state"`
		RepeatState  string    `json:"repeat_state"`
		Item         *apiTrack `json:"item"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("解析播放状态失败: %w", err)
	}

	return &model.PlaybackState{
		IsPlaying:    result.IsPlaying,
		ProgressMs:   result.ProgressMs,
		ShuffleState: result.ShuffleState,
		RepeatState:  result.RepeatState,
		Item:         result.Item.toModel(),
	}, nil
}

// GetQueue 获取播放队列
// 404 表示没有活跃设备，返回空队列
func (c *Client) GetQueue(ctx context.Context, creds *model.SpotifyCredentials) (*model.QueueState, error) {
	body, status, err := c.doRequest(ctx, creds, http.MethodGet, "/me/player/queue")
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotFound {
		return &model.QueueState{Queue: []model.Track{}}, nil
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("API returned status %d", status)
	}

	var result struct {
		CurrentlyPlaying *apiTrack  `json:"currently_playing"`
		Queue            []apiTrack `json:"queue"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("解析队列失败: %w", err)
	}

	queue := make([]model.Track, 0, len(result.Queue))
	for i := range result.Queue {
		if t := result.Queue[i].toModel(); t != nil {
			queue = append(queue, *t)
		}
	}

	return &model.QueueState{
		Queue:            queue,
		CurrentlyPlaying: result.CurrentlyPlaying.toModel(),
	}, nil
}

// SkipNext 跳到下一首
func (c *Client) SkipNext(ctx context.Context, creds *model.SpotifyCredentials) error {
	_, status, err := c.doRequest(ctx, creds, http.MethodPost, "/me/player/next")
	if err != nil {
		return err
	}
	if status != http.StatusNoContent && status != http.StatusOK {
		return fmt.Errorf("API returned status %d", status)
	}
	return nil
}

// Enqueue 把曲目加入播放队列
func (c *Client) Enqueue(ctx context.Context, creds *model.SpotifyCredentials, trackURI string) error {
	params := url.Values{}
	params.Set("uri", trackURI)

	_, status, err := c.doRequest(ctx, creds, http.MethodPost, "/me/player/queue?"+params.Encode())
	if err != nil {
		return err
	}
	if status != http.StatusNoContent && status != http.StatusOK {
		return fmt.Errorf("API returned status %d", status)
	}
	return nil
}

// Search 搜索曲目
func (c *Client) Search(ctx context.Context, creds *model.SpotifyCredentials, query string, limit int) ([]model.Track, error) {
	if limit <= 0 {
		limit = 20
	}
	params := url.Values{}
	params.Set("q", query)
	params.Set("type", "track")
	params.Set("limit", fmt.Sprintf("%d", limit))

	body, status, err := c.doRequest(ctx, creds, http.MethodGet, "/search?"+params.Encode())
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("API returned status %d", status)
	}

	var result struct {
		Tracks struct {
			Items []apiTrack `json:"items"`
		} `json:"tracks"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("解析搜索结果失败: %w", err)
	}

	tracks := make([]model.Track, 0, len(result.Tracks.Items))
	for i := range result.Tracks.Items {
		if t := result.Tracks.Items[i].toModel(); t != nil {
			tracks = append(tracks, *t)
		}
	}
	return tracks, nil
}

// GetDevices 获取可用播放设备
func (c *Client) GetDevices(ctx context.Context, creds *model.SpotifyCredentials) ([]model.Device, error) {
	body, status, err := c.doRequest(ctx, creds, http.MethodGet, "/me/player/devices")
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("API returned status %d", status)
	}

	var result struct {
		Devices []model.Device `json:"devices"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("解析设备列表失败: %w", err)
	}
	return result.Devices, nil
}
