package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/whisper/chatsync/internal/chat"
	"github.com/whisper/chatsync/internal/credential"
	"github.com/whisper/chatsync/internal/gateway"
	"github.com/whisper/chatsync/internal/messaging"
	"github.com/whisper/chatsync/internal/metrics"
	"github.com/whisper/chatsync/internal/realtime"
	"github.com/whisper/chatsync/internal/session"
	"github.com/whisper/chatsync/internal/typing"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("failed to load .env: %v", err)
	}

	gwConfig := gateway.DefaultConfig()
	if v := os.Getenv("CHATSYNC_API_URL"); v != "" {
		gwConfig.BaseURL = strings.TrimRight(v, "/")
	}
	if v := os.Getenv("REQUESTS_PER_SECOND"); v != "" {
		if n, err := strconv.ParseFloat(v, 64); err == nil && n >= 0 {
			gwConfig.RequestsPerSecond = n
		}
	}

	rtConfig := realtime.DefaultConfig()
	if v := os.Getenv("CHATSYNC_WS_URL"); v != "" {
		rtConfig.URL = v
	}
	if v := os.Getenv("RECONNECT_DELAY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			rtConfig.ReconnectDelay = d
		}
	}
	if v := os.Getenv("MAX_RECONNECT_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			rtConfig.MaxReconnectAttempts = n
		}
	}

	metricsAddr := ":9102"
	if v := os.Getenv("METRICS_ADDR"); v != "" {
		metricsAddr = v
	}
	username := os.Getenv("CHATSYNC_USERNAME")
	password := os.Getenv("CHATSYNC_PASSWORD")
	channels := parseChannels(os.Getenv("CHATSYNC_CHANNELS"))

	// --- Credential persistence ---
	var persister credential.Persister = credential.NewMemoryPersister()
	var redisPersister *credential.RedisPersister
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		namespace := username
		if namespace == "" {
			namespace = "default"
		}
		p, err := credential.NewRedisPersister(addr, namespace)
		if err != nil {
			log.Fatalf("failed to connect to Redis: %v", err)
		}
		redisPersister = p
		persister = p
	}
	store := credential.NewStore(persister)

	// --- NATS ---
	var natsClient *messaging.NATSClient
	if v := os.Getenv("NATS_URL"); v != "" {
		natsConfig := messaging.DefaultNATSConfig()
		natsConfig.URL = v
		nc, err := messaging.NewNATSClient(natsConfig)
		if err != nil {
			log.Fatalf("failed to connect to NATS: %v", err)
		}
		natsClient = nc
	}

	log.Printf("chatsync client starting")
	log.Printf("  api_url:          %s", gwConfig.BaseURL)
	log.Printf("  ws_url:           %s", rtConfig.URL)
	log.Printf("  reconnect_delay:  %s", rtConfig.ReconnectDelay)
	log.Printf("  max_reconnects:   %d", rtConfig.MaxReconnectAttempts)
	log.Printf("  metrics_addr:     %s", metricsAddr)
	log.Printf("  redis:            %v", redisPersister != nil)
	log.Printf("  nats:             %v", natsClient != nil)

	gw := gateway.New(gwConfig, store, nil)
	api := gateway.NewAPI(gw)
	channel := realtime.New(rtConfig)
	reconciler := chat.NewReconciler(api.Fetcher(gateway.DefaultPerPage))
	tracker := typing.NewTracker(typing.DefaultTTL)

	ctrl := session.New(session.DefaultConfig(), api, store, channel)
	ctrl.Wire(reconciler, tracker)

	gw.OnAuthExpired(ctrl.AuthExpired)
	channel.OnDegraded(ctrl.ConnectivityDegraded)

	reconciler.Subscribe(func(u chat.Update) {
		log.Printf("[timeline] %s %s len=%d", u.Key, u.Kind, u.Len)
		if natsClient != nil {
			if err := natsClient.PublishTimelineUpdate(u); err != nil {
				log.Printf("[nats] publish timeline %s: %v", u.Key, err)
			}
		}
	})
	tracker.OnChange(func(key chat.ConversationKey, users []int64) {
		log.Printf("[typing] %s users=%v", key, users)
		if natsClient != nil {
			if err := natsClient.PublishTyping(key, users); err != nil {
				log.Printf("[nats] publish typing %s: %v", key, err)
			}
		}
	})
	ctrl.Subscribe(func(s session.Snapshot) {
		if natsClient == nil {
			return
		}
		ev := messaging.SessionEvent{State: s.State.String(), Degraded: s.Degraded}
		if s.User != nil {
			ev.UserID = s.User.ID
			ev.Username = s.User.Username
		}
		if err := natsClient.PublishSession(ev); err != nil {
			log.Printf("[nats] publish session: %v", err)
		}
	})

	// --- Metrics ---
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	metricsServer := &http.Server{Addr: metricsAddr, Handler: mux}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("metrics server error: %v", err)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := ctrl.Bootstrap(ctx); err != nil {
		log.Printf("session restore failed: %v", err)
	}
	if ctrl.Snapshot().State != session.StateAuthenticated {
		if username == "" || password == "" {
			log.Fatalf("no stored session and CHATSYNC_USERNAME/CHATSYNC_PASSWORD not set")
		}
		if err := ctrl.Login(ctx, username, password); err != nil {
			log.Fatalf("login failed: %v", err)
		}
	}

	for _, id := range channels {
		if err := ctrl.Open(ctx, chat.Channel(id)); err != nil {
			log.Printf("open channel %d: %v", id, err)
		}
	}

	// Graceful shutdown. SIGHUP retries a degraded realtime connection.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	for sig := range sigCh {
		if sig == syscall.SIGHUP {
			log.Printf("received SIGHUP, reconnecting realtime channel")
			if err := ctrl.Reconnect(); err != nil {
				log.Printf("reconnect: %v", err)
			}
			continue
		}
		log.Printf("received signal %v, initiating graceful shutdown...", sig)
		break
	}

	// The stored credential survives shutdown so the next start can
	// Bootstrap; only the realtime channel is closed.
	channel.Disconnect()
	tracker.Close()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("metrics shutdown error: %v", err)
	}
	if natsClient != nil {
		natsClient.Close()
	}
	if redisPersister != nil {
		if err := redisPersister.Close(); err != nil {
			log.Printf("redis close error: %v", err)
		}
	}
}

// parseChannels reads a comma-separated list of channel ids.
func parseChannels(v string) []int64 {
	var ids []int64
	for _, part := range strings.Split(v, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			log.Printf("ignoring malformed channel id %q", part)
			continue
		}
		ids = append(ids, id)
	}
	return ids
}
