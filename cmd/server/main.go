package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"github.com/titoTito21/Titan-sub004/internal/config"
	"github.com/titoTito21/Titan-sub004/internal/db"
	clog "github.com/titoTito21/Titan-sub004/internal/log"
	"github.com/titoTito21/Titan-sub004/internal/mw"
	"github.com/titoTito21/Titan-sub004/internal/server"
	"github.com/titoTito21/Titan-sub004/internal/service"
	"github.com/titoTito21/Titan-sub004/internal/storage"
	"github.com/titoTito21/Titan-sub004/internal/ws"
	"golang.org/x/time/rate"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := pflag.StringP("config", "c", "", "optional YAML config file")
	pflag.Parse()

	// .env 不存在时忽略，环境变量优先于文件中的值。
	_ = godotenv.Load()

	cfg := config.Load()
	if *configPath != "" {
		var err error
		if cfg, err = config.LoadFile(*configPath); err != nil {
			log.Fatal().Err(err).Msg("load config")
		}
	}

	closer, err := clog.Init(cfg.Env, cfg.LogLevel, cfg.LogDir)
	if err != nil {
		log.Fatal().Err(err).Msg("init logger")
	}
	defer closer.Close()

	if err := config.Validate(cfg); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}
	if cfg.Env != "dev" {
		gin.SetMode(gin.ReleaseMode)
	}

	gdb, err := db.Connect(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("db connect")
	}
	if err := db.Migrate(gdb); err != nil {
		log.Fatal().Err(err).Msg("db migrate")
	}

	users := service.NewUserService(gdb)
	if n, err := users.ResetPresence(); err != nil {
		log.Fatal().Err(err).Msg("reset presence")
	} else if n > 0 {
		log.Info().Int64("users", n).Msg("presence reset")
	}

	store, err := storage.New(cfg.UploadDir)
	if err != nil {
		log.Fatal().Err(err).Str("dir", cfg.UploadDir).Msg("open upload dir")
	}
	repo := service.NewRepositoryService(gdb, store)
	if healed, err := repo.Reconcile(); err != nil {
		log.Error().Err(err).Msg("reconcile repository")
	} else if healed > 0 {
		log.Warn().Int("artifacts", healed).Msg("repository files reconciled")
	}

	rl := mw.NewRateLimiter(rate.Every(time.Second/20), 40, 10*time.Minute)
	defer rl.Stop()
	httpEngine := server.SetupRouter(cfg, gdb, server.NewHandler(cfg, users, repo, store), rl)

	wsSrv := ws.NewServer(cfg, ws.NewHub(), users, service.NewRoomService(gdb), service.NewMessageService(gdb))
	wsEngine := gin.New()
	wsEngine.Use(gin.Recovery())
	wsSrv.Routes(wsEngine)

	// 先绑定 HTTP 再绑定 WebSocket，任一端口被占用都直接退出。
	httpLn, err := net.Listen("tcp", cfg.HTTPAddr())
	if err != nil {
		log.Fatal().Err(err).Str("addr", cfg.HTTPAddr()).Msg("bind http")
	}
	wsLn, err := net.Listen("tcp", cfg.WSAddr())
	if err != nil {
		httpLn.Close()
		log.Fatal().Err(err).Str("addr", cfg.WSAddr()).Msg("bind websocket")
	}

	servers := []*http.Server{
		{Handler: httpEngine, ReadHeaderTimeout: 10 * time.Second},
		{Handler: wsEngine, ReadHeaderTimeout: 10 * time.Second},
	}
	listeners := []net.Listener{httpLn, wsLn}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	for i, srv := range servers {
		wg.Add(1)
		go func(srv *http.Server, ln net.Listener) {
			defer wg.Done()
			log.Info().Str("addr", ln.Addr().String()).Msg("listening")
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Str("addr", ln.Addr().String()).Msg("serve")
				stop()
			}
		}(srv, listeners[i])
	}

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	// 劫持的 WebSocket 连接不受 http.Server.Shutdown 管理，需要单独关闭。
	wsSrv.Shutdown()
	for _, srv := range servers {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("server shutdown")
		}
	}
	wg.Wait()

	if sqlDB, err := gdb.DB(); err == nil {
		sqlDB.Close()
	}
	log.Info().Msg("bye")
}
