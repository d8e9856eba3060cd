package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"github.com/driftline/fishcourier/internal/flags"
	"github.com/driftline/fishcourier/internal/fulfill"
	"github.com/driftline/fishcourier/internal/httpapi"
	"github.com/driftline/fishcourier/internal/orderstore"
	"github.com/driftline/fishcourier/internal/session"
)

func main() {
	addr := envOrDefault("FISHCOURIER_ADDR", ":8087")
	dataDir := envOrDefault("FISHCOURIER_DATA_DIR", ".fishcourier")

	configPath := envOrDefault("FISHCOURIER_CONFIG_FILE", filepath.Join(dataDir, "config.json"))
	configStore, err := orderstore.NewFileConfigStore(configPath, log.Default())
	if err != nil {
		log.Fatalf("failed to open config store: %v", err)
	}
	if err := configStore.Watch(); err != nil {
		log.Printf("config file watch unavailable: %v", err)
	}

	backend, err := orderstore.BuildBackendFromDSN(envOrDefault("FISHCOURIER_STORE_DSN", "file://"+filepath.Join(dataDir, "orders.json")))
	if err != nil {
		log.Fatalf("failed to initialize order store backend: %v", err)
	}
	store, err := orderstore.NewStore(orderstore.StoreOptions{
		Backend: backend,
		Config:  configStore,
		Client: orderstore.NewMarketClient(orderstore.MarketClientOptions{
			BaseURL: os.Getenv("FISHCOURIER_API_BASE_URL"),
		}),
		Logger: log.Default(),
	})
	if err != nil {
		log.Fatalf("failed to initialize order store: %v", err)
	}

	flagProvider, err := buildFlagProvider()
	if err != nil {
		log.Fatalf("failed to initialize feature flags: %v", err)
	}

	dryRun := boolEnv("FISHCOURIER_DRY_RUN", false)
	manager := session.New(session.Options{
		Endpoint:            envOrDefault("FISHCOURIER_WS_ENDPOINT", session.DefaultEndpoint),
		Dialer:              session.WebSocketDialer(),
		Store:               store,
		Flags:               flagProvider,
		Logger:              log.Default(),
		SyncPollInterval:    syncPollInterval(),
		MessagePollInterval: durationEnv("FISHCOURIER_POLL_INTERVAL", 0),
		MessagePollLimit:    intEnv("FISHCOURIER_POLL_LIMIT", 0),
		MessagePollChats:    splitList(os.Getenv("FISHCOURIER_POLL_CHAT_IDS")),
		SyncCursorOverride:  int64Env("FISHCOURIER_SYNC_CURSOR", 0),
		DryRun:              dryRun,
		RawLogEnabled:       boolEnv("FISHCOURIER_RAW_LOG", boolEnv("FISHCOURIER_DEBUG", false)),
		RawLogLimit:         intEnv("FISHCOURIER_RAW_LOG_LIMIT", 0),
		RawLogMaxLen:        intEnv("FISHCOURIER_RAW_LOG_MAX_LEN", 0),
	})
	pipeline := fulfill.New(fulfill.Options{
		Store:           store,
		Sender:          manager,
		Logger:          log.Default(),
		DryRun:          dryRun,
		DeliveryMessage: os.Getenv("FISHCOURIER_DELIVERY_MESSAGE"),
	})
	manager.SetOrderEventHandler(func(event session.OrderEvent) {
		pipeline.HandleOrderEvent(context.Background(), event.OrderID, event.ChatID, event.Content)
	})

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, unix.SIGTERM)
	defer stop()

	manager.Start()

	server := &http.Server{
		Addr: addr,
		Handler: httpapi.NewServer(manager, store, httpapi.ServerConfig{
			AuthToken: strings.TrimSpace(os.Getenv("FISHCOURIER_AUTH_TOKEN")),
		}),
	}
	go func() {
		log.Printf("fishcourier control api listening on %s", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("control api failed: %v", err)
		}
	}()

	<-rootCtx.Done()
	log.Printf("shutting down: %v", rootCtx.Err())
	manager.Stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	_ = store.Close()
	_ = configStore.Close()
}

func buildFlagProvider() (flags.Provider, error) {
	if path := strings.TrimSpace(os.Getenv("FISHCOURIER_FLAGS_FILE")); path != "" {
		return flags.NewFileProvider(path)
	}
	return flags.NewStaticProvider(flags.Flags{
		flags.FlagChatSession: boolEnv("FISHCOURIER_ENABLE", true),
		flags.FlagDryRun:      boolEnv("FISHCOURIER_DRY_RUN", false),
	}), nil
}

// syncPollInterval maps the seconds-based env knob onto Options
// semantics: unset means default, 0 disables.
func syncPollInterval() time.Duration {
	raw := strings.TrimSpace(os.Getenv("FISHCOURIER_SYNC_POLL_SECONDS"))
	if raw == "" {
		return 0
	}
	seconds, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("invalid FISHCOURIER_SYNC_POLL_SECONDS=%q, using default", raw)
		return 0
	}
	if seconds <= 0 {
		return -1
	}
	return time.Duration(seconds) * time.Second
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func splitList(raw string) []string {
	var result []string
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			result = append(result, part)
		}
	}
	return result
}

func boolEnv(name string, fallback bool) bool {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %v", name, raw, fallback)
		return fallback
	}
	return value
}

func intEnv(name string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func int64Env(name string, fallback int64) int64 {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}
