package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/whisper/chat-client/internal/api"
	"github.com/whisper/chat-client/internal/chat"
	"github.com/whisper/chat-client/internal/config"
	"github.com/whisper/chat-client/internal/messaging"
	"github.com/whisper/chat-client/internal/metrics"
	"github.com/whisper/chat-client/internal/session"
	"github.com/whisper/chat-client/internal/ws"
	"github.com/whisper/chat-client/pkg/logger"
)

func main() {
	cfg, loaded := config.Load()

	log, err := logger.New(cfg.LogMode)
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	if !loaded {
		log.Debug("no .env file found, using environment variables")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("chatclient exited", zap.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	m := metrics.New()
	if cfg.MetricsAddr != "" {
		srv := &http.Server{Addr: cfg.MetricsAddr, Handler: m.Handler(), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("metrics server", zap.Error(err))
			}
		}()
		defer srv.Close()
		log.Info("metrics listening", zap.String("addr", cfg.MetricsAddr))
	}

	// --- Session ---
	var tokens session.TokenStore
	if cfg.RedisAddr != "" {
		rs, err := session.NewRedisStore(cfg.RedisAddr, cfg.SessionKey)
		if err != nil {
			return err
		}
		defer rs.Close()
		tokens = rs
	} else {
		tokens = session.NewMemoryStore()
	}

	token, err := resolveToken(ctx, cfg.Token, tokens, log)
	if err != nil {
		return err
	}
	claims, err := session.ParseClaims(token)
	if err != nil {
		return err
	}
	log = log.With(zap.String("user_id", claims.UserID))

	// --- Connection ---
	wsConfig := ws.DefaultManagerConfig()
	wsConfig.URL = cfg.WSURL
	wsConfig.ReconnectDelay = cfg.ReconnectDelay
	wsOpts := []ws.Option{ws.WithLogger(log), ws.WithMetrics(m)}
	if cfg.Backoff == config.BackoffExponential {
		wsOpts = append(wsOpts, ws.WithBackoff(ws.ExponentialBackoff{
			Initial:    cfg.ReconnectDelay,
			Max:        cfg.BackoffMax,
			Multiplier: 2,
		}))
	}
	conn := ws.NewManager(wsConfig, wsOpts...)

	client, err := api.New(api.Config{BaseURL: cfg.APIURL, Timeout: cfg.HTTPTimeout},
		api.StaticToken(token), api.WithLogger(log))
	if err != nil {
		return err
	}

	storeOpts := []chat.StoreOption{
		chat.WithStoreLogger(log),
		chat.WithStoreMetrics(m),
		chat.WithUserID(claims.UserID),
	}
	if cfg.DedupWindow > 0 {
		storeOpts = append(storeOpts, chat.WithDuplicatePolicy(chat.DedupPending{Window: cfg.DedupWindow}))
	}

	// --- NATS ---
	if cfg.NATSURL != "" {
		natsConfig := messaging.DefaultNATSConfig()
		natsConfig.URL = cfg.NATSURL
		nc, err := messaging.NewNATSClient(natsConfig, log)
		if err != nil {
			return err
		}
		defer func() {
			// Store.Stop runs first and publishes the final disconnected status.
			if err := nc.Flush(2 * time.Second); err != nil {
				log.Warn("nats flush", zap.Error(err))
			}
			nc.Close()
		}()
		bridge := messaging.NewNotificationBridge(nc, claims.UserID, log)
		storeOpts = append(storeOpts, chat.WithNotificationSink(bridge))
		defer conn.OnStatusChange(bridge.OnStatus)()
	}

	store := chat.NewStore(conn, client, storeOpts...)
	defer store.Stop()

	var mu sync.Mutex
	last := store.State()
	defer store.Subscribe(func(s chat.State) {
		mu.Lock()
		defer mu.Unlock()
		logChanges(log, last, s)
		last = s
	})()

	log.Info("chatclient starting",
		zap.String("ws_url", cfg.WSURL),
		zap.String("api_url", cfg.APIURL),
		zap.Duration("reconnect_delay", cfg.ReconnectDelay),
		zap.String("backoff", cfg.Backoff),
		zap.Duration("dedup_window", cfg.DedupWindow),
	)
	if err := store.Start(ctx, token); err != nil {
		if errors.Is(err, api.ErrUnauthorized) {
			_ = tokens.Clear(context.Background())
			return err
		}
		log.Warn("initial chat load failed, continuing", zap.Error(err))
	}
	if err := store.LoadUsers(ctx); err != nil {
		log.Warn("load users failed", zap.Error(err))
	}

	<-ctx.Done()
	log.Info("shutting down")
	return nil
}

// resolveToken prefers an explicit token and persists it. Otherwise the
// stored token is used.
func resolveToken(ctx context.Context, explicit string, tokens session.TokenStore, log *zap.Logger) (string, error) {
	if explicit != "" {
		if err := tokens.Save(ctx, explicit); err != nil {
			log.Warn("token not persisted", zap.Error(err))
		}
		return explicit, nil
	}
	token, err := tokens.Load(ctx)
	if errors.Is(err, session.ErrNoToken) {
		return "", session.ErrEmptyToken
	}
	return token, err
}

// logChanges logs what differs between two consecutive states.
func logChanges(log *zap.Logger, prev, next chat.State) {
	if prev.ConnectionStatus != next.ConnectionStatus {
		log.Info("connection", zap.String("status", string(next.ConnectionStatus)))
	}
	if len(prev.Chats) != len(next.Chats) {
		log.Info("chats", zap.Int("count", len(next.Chats)))
	}
	for chatID, msgs := range next.Messages {
		old := prev.Messages[chatID]
		if len(msgs) > len(old) {
			m := msgs[len(msgs)-1]
			log.Info("message",
				zap.String("chat_id", chatID),
				zap.String("sender_id", m.SenderID),
				zap.String("content", m.Content),
				zap.Bool("pending", m.Pending),
			)
		}
	}
	for chatID, users := range next.TypingUsers {
		if len(users) > 0 && len(prev.TypingUsers[chatID]) == 0 {
			log.Info("typing", zap.String("chat_id", chatID), zap.Strings("users", users))
		}
	}
}
