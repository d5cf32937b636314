package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bathiste/chat-client-WIP/internal/config"
	"github.com/bathiste/chat-client-WIP/internal/db"
	"github.com/bathiste/chat-client-WIP/internal/hub"
	clog "github.com/bathiste/chat-client-WIP/internal/log"
	"github.com/bathiste/chat-client-WIP/internal/mw"
	"github.com/bathiste/chat-client-WIP/internal/server"
	"github.com/bathiste/chat-client-WIP/internal/service"
	"github.com/bathiste/chat-client-WIP/internal/session"
	"github.com/bathiste/chat-client-WIP/internal/store"
	"github.com/bathiste/chat-client-WIP/internal/ws"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"golang.org/x/time/rate"
)

func main() {
	// main 函数负责加载配置、初始化日志、连接数据库、装配服务并启动 Gin 服务。
	configPath := pflag.StringP("config", "c", os.Getenv("CHAT_CONFIG"), "path to YAML config file")
	pflag.Parse()

	cfg, err := config.LoadFile(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	clog.Init(cfg.Env, cfg.LogLevel)
	if err := config.Validate(cfg); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}
	if cfg.Env != "dev" {
		gin.SetMode(gin.ReleaseMode)
	}

	gdb, err := db.Connect(cfg.DatabaseDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("db connect")
	}
	defer func() { _ = db.Close(gdb) }()
	if err := db.Migrate(gdb); err != nil {
		log.Fatal().Err(err).Msg("db migrate")
	}

	tokens := store.NewTokens(gdb)
	bans := store.NewBans(gdb)
	rooms := store.NewRooms(gdb)
	messages := store.NewMessages(gdb)
	uploads := store.NewUploads(gdb)

	reg := session.NewRegistry()
	h := hub.NewHub()
	resolver := service.NewIdentityResolver(tokens, bans, cfg.IPRecovery)
	roomSvc := service.NewRoomService(reg, h, resolver, tokens, rooms, messages, service.RoomOptions{
		DefaultRoom:      cfg.DefaultRoom,
		HistoryLimit:     cfg.HistoryLimit,
		MaxMessageLength: cfg.MaxMessageLength,
	})
	adminAuth, err := service.NewAdminAuth(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("admin auth")
	}
	handler := server.NewHandler(
		roomSvc,
		service.NewMessageService(messages, tokens, cfg.HistoryLimit),
		service.NewAdminService(reg, roomSvc, tokens, bans, rooms, messages, uploads),
		service.NewUploadService(tokens, bans, uploads, roomSvc),
		adminAuth,
	)
	wsh := ws.NewHandler(roomSvc, ws.Options{
		Env:            cfg.Env,
		AllowedOrigins: cfg.AllowedOrigins,
		MessageRate:    cfg.MessageRate,
		MessageBurst:   cfg.MessageBurst,
	})
	limiter := mw.NewRateLimiter(rate.Every(time.Second/20), 40, 5*time.Minute)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           server.SetupRouter(cfg, handler, wsh, limiter),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().Str("addr", srv.Addr).Str("env", cfg.Env).Msg("server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server run")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	// 先停止接收新请求，再通知并关闭所有 WebSocket 连接
	if err := srv.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("http shutdown")
	}
	if err := h.Shutdown(ctx, service.Kicked{Type: service.EventKicked, Reason: "server shutting down"}); err != nil {
		log.Warn().Err(err).Msg("hub shutdown")
	}
	wsh.Stop()
	limiter.Stop()
}
