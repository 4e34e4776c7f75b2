package server

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"GroupFM/cache"
	"GroupFM/config"
	"GroupFM/core/auth"
	"GroupFM/core/group"
	"GroupFM/core/spotify"
	"GroupFM/logger"

	"github.com/gorilla/mux"
)

// Start initializes and starts the HTTP server.
func Start() {
	cfg := config.Load()

	logger.InitLogger(logger.Config{
		Level:      logger.LogLevel(cfg.LogLevel),
		OutputPath: cfg.LogFile,
		MaxSize:    100,
		MaxBackups: 3,
		MaxAge:     7,
		Compress:   true,
	})

	auth.Init(cfg.JWTSecret)

	// Redis是可选的镜像层：连不上只降级，不影响核心功能
	var groupCache *cache.GroupCache
	if err := cache.ConnectRedis(cfg); err != nil {
		logger.Warn("Redis unavailable, running without cache mirror", logger.ErrorField(err))
	} else {
		groupCache = cache.NewGroupCache()
		defer cache.CloseRedis()
		log.Println("Successfully connected to Redis")
	}

	spotifyClient := spotify.NewClient(cfg.SpotifyClientID, cfg.SpotifyClientSecret)
	spotifyClient.SetAPIURL(cfg.SpotifyAPIURL)
	spotifyClient.SetAccountsURL(cfg.SpotifyAccountsURL)
	spotifyClient.SetTimeout(cfg.ProviderTimeout)

	registry := group.NewRegistry()
	hub := group.NewHub()
	poller := group.NewPoller(registry, hub, spotifyClient, groupCache, cfg.PollInterval, cfg.ProviderTimeout)
	manager := group.NewManager(registry, hub, poller, spotifyClient, groupCache)

	// 过期群组定时清理
	manager.StartSweeper(cfg.SweepInterval, cfg.GroupMaxAge)

	apiHandler := NewAPIHandler(manager, cfg)

	router := mux.NewRouter()

	// 添加 CORS 中间件
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS, HEAD")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			w.Header().Set("Access-Control-Max-Age", "86400") // 24 hours

			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusOK)
				return
			}

			next.ServeHTTP(w, r)
		})
	})

	// 认证端点
	router.HandleFunc("/api/auth/guest", apiHandler.GuestLoginHandler).Methods(http.MethodPost)

	// 群组管理端点
	router.HandleFunc("/api/groups", apiHandler.AuthMiddleware(apiHandler.CreateGroupHandler)).Methods(http.MethodPost)
	router.HandleFunc("/api/groups/join", apiHandler.AuthMiddleware(apiHandler.JoinGroupHandler)).Methods(http.MethodPost)
	router.HandleFunc("/api/groups/{id}", apiHandler.AuthMiddleware(apiHandler.GetGroupHandler)).Methods(http.MethodGet)
	router.HandleFunc("/api/groups/{id}/leave", apiHandler.AuthMiddleware(apiHandler.LeaveGroupHandler)).Methods(http.MethodPost)

	// 播放相关端点
	router.HandleFunc("/api/groups/{id}/vote-skip", apiHandler.AuthMiddleware(apiHandler.VoteSkipHandler)).Methods(http.MethodPost)
	router.HandleFunc("/api/groups/{id}/current-track", apiHandler.AuthMiddleware(apiHandler.CurrentTrackHandler)).Methods(http.MethodGet)
	router.HandleFunc("/api/groups/{id}/queue", apiHandler.AuthMiddleware(apiHandler.GetQueueHandler)).Methods(http.MethodGet)
	router.HandleFunc("/api/groups/{id}/queue", apiHandler.AuthMiddleware(apiHandler.AddToQueueHandler)).Methods(http.MethodPost)
	router.HandleFunc("/api/groups/{id}/search", apiHandler.AuthMiddleware(apiHandler.SearchHandler)).Methods(http.MethodGet)
	router.HandleFunc("/api/groups/{id}/devices", apiHandler.AuthMiddleware(apiHandler.DevicesHandler)).Methods(http.MethodGet)
	router.HandleFunc("/api/groups/{id}/track-added", apiHandler.AuthMiddleware(apiHandler.TrackAddedHandler)).Methods(http.MethodPost)

	// 实时推送端点（SSE 和 WebSocket 两种边界）
	router.HandleFunc("/api/groups/{id}/events", apiHandler.EventsHandler).Methods(http.MethodGet)
	router.HandleFunc("/api/groups/{id}/ws", apiHandler.WebSocketHandler).Methods(http.MethodGet)

	// 调试端点
	router.HandleFunc("/api/debug/groups", apiHandler.AuthMiddleware(apiHandler.DebugGroupsHandler)).Methods(http.MethodGet)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // SSE连接需要长时间写
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("server listening", logger.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", logger.ErrorField(err))
		}
	}()

	// 等待退出信号
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	// 先停掉所有轮询和后台任务，再关HTTP
	manager.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("server shutdown failed", logger.ErrorField(err))
	}

	logger.Info("server stopped")
}
