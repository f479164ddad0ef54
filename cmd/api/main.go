package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/zhouzirui/chat-community/backend/internal/config"
	"github.com/zhouzirui/chat-community/backend/internal/handler"
	"github.com/zhouzirui/chat-community/backend/internal/logging"
	"github.com/zhouzirui/chat-community/backend/internal/service/ai"
	"github.com/zhouzirui/chat-community/backend/internal/service/chat"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load .env file
	envErr := godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	logging.Setup(cfg.Log)

	if envErr != nil {
		log.Warn().Err(envErr).Msg("failed to load .env file, continuing with system environment variables only")
	}

	pubSub := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 256}, watermill.NopLogger{})
	defer pubSub.Close()

	store := chat.NewStore(cfg.Store.Limit, chat.WithPublisher(pubSub))
	chat.Seed(store, time.Now())

	generator, err := ai.NewGenerator(ctx, cfg.AI)
	if err != nil {
		log.Fatal().Err(err).Str("provider", cfg.AI.Provider).Msg("failed to initialize generation backend")
	}
	synthesizer := ai.NewSynthesizer(store, generator, ai.OptionsFromConfig(cfg.AI))
	chatService := chat.NewService(store, synthesizer)

	log.Info().
		Str("provider", cfg.AI.Provider).
		Str("model", cfg.AI.Model).
		Str("base_url", cfg.AI.BaseURL).
		Int("message_limit", store.Limit()).
		Int("history_limit", cfg.AI.HistoryLimit).
		Dur("timeout", cfg.AI.Timeout).
		Msg("chat service initialized")

	router := handler.NewRouter(chatService, pubSub)

	startServer(ctx, cfg.Server, router)
}

func startServer(ctx context.Context, serverCfg config.ServerConfig, router http.Handler) {
	addr := serverCfg.Addr
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
		// Long-lived feed requests end with the process context.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	log.Info().Str("addr", addr).Msg("ChatCommunity backend listening")
	if err := runServer(ctx, srv); err != nil {
		log.Fatal().Err(err).Msg("server error")
	}
	log.Info().Msg("server stopped")
}

func runServer(ctx context.Context, srv *http.Server) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
