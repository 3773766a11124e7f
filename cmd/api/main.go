package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	ort "github.com/yalue/onnxruntime_go"

	"github.com/your-org/presence/internal/api"
	"github.com/your-org/presence/internal/api/ws"
	"github.com/your-org/presence/internal/attendance"
	"github.com/your-org/presence/internal/config"
	"github.com/your-org/presence/internal/models"
	"github.com/your-org/presence/internal/observability"
	"github.com/your-org/presence/internal/queue"
	"github.com/your-org/presence/internal/roster"
	"github.com/your-org/presence/internal/storage"
	"github.com/your-org/presence/internal/stream"
	"github.com/your-org/presence/internal/vision"
	"github.com/your-org/presence/internal/watcher"
)

func main() {
	_ = godotenv.Load()

	configPath := flag.String("config", "configs/config.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	observability.SetupLogger(cfg.Logging.Level, cfg.Logging.Format)

	slog.Info("starting presence service", "port", cfg.Server.Port, "org", cfg.Server.OrgID)

	// Connect to Postgres
	db, err := storage.NewPostgresStore(cfg.Database, cfg.Server.OrgID)
	if err != nil {
		slog.Error("connect to postgres", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	// Connect to MinIO
	photos, err := storage.NewPhotoStore(cfg.MinIO, cfg.Server.OrgID)
	if err != nil {
		slog.Error("connect to minio", "error", err)
		os.Exit(1)
	}
	if err := photos.EnsureBucket(context.Background()); err != nil {
		slog.Warn("ensure minio bucket", "error", err)
	}

	// Optional Redis mirror of the embedding index
	var mirror vision.Mirror
	var redisMirror *storage.RedisMirror
	if cfg.Redis.Addr != "" {
		redisMirror = storage.NewRedisMirror(cfg.Redis, cfg.Server.OrgID)
		defer redisMirror.Close()
		mirror = redisMirror
	}

	// Connect to NATS
	bus, err := queue.NewBus(cfg.NATS.URL, cfg.Server.OrgID)
	if err != nil {
		slog.Error("connect to nats", "error", err)
		os.Exit(1)
	}
	defer bus.Close()

	if err := bus.EnsureStream(context.Background()); err != nil {
		slog.Warn("ensure nats stream", "error", err)
	}

	// Vision engine
	ort.SetSharedLibraryPath(getONNXLibPath())
	if err := ort.InitializeEnvironment(); err != nil {
		slog.Error("onnx runtime init", "error", err)
		os.Exit(1)
	}
	defer ort.DestroyEnvironment()

	engine, err := vision.LoadEngine(cfg.Vision, mirror)
	if err != nil {
		slog.Error("load vision engine", "error", err)
		os.Exit(1)
	}
	defer engine.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Install the roster into the index; fall back to the mirror when
	// Postgres has nothing to offer.
	if err := loadIndex(ctx, db, engine); err != nil {
		slog.Warn("load index from postgres", "error", err)
		if redisMirror != nil {
			if err := engine.LoadMirror(ctx); err != nil {
				slog.Warn("load index from mirror", "error", err)
			}
		}
	}
	slog.Info("identity index ready", "size", engine.Size())

	// Attendance store and group context
	groups := attendance.NewContextCache(db)
	store := attendance.NewStore(db, groups.Resolver(), cfg.Attendance.MaxEvents)
	if err := store.Load(ctx, false); err != nil {
		slog.Error("load attendance log", "error", err)
		os.Exit(1)
	}
	store.Run(ctx)

	// Settings document, cached briefly so per-frame reads stay cheap.
	settings := newSettingsCache(db)
	cooldownSec := func() int {
		s, err := settings.load(context.Background())
		if err != nil || s.CooldownSec <= 0 {
			return cfg.Attendance.CooldownSec
		}
		return s.CooldownSec
	}

	// Recognition sessions and WebSocket hub
	sessions := stream.NewService(engine, store, cooldownSec,
		cfg.Attendance.FrameMinInterval, cfg.Attendance.FunMinInterval, cfg.Attendance.LoginMessageDelay)

	onMark := func(ev models.AttendanceEvent) {
		if err := bus.Publish(ctx, queue.EventAttendanceLog, ev); err != nil {
			slog.Warn("publish mark notice", "error", err)
		}
	}
	hub := ws.NewHub(sessions, cooldownSec, onMark)
	go hub.Run()

	// notify fans admin-side changes out: local caches, connected
	// clients, and other instances over NATS.
	var rosterSvc *roster.Service
	notify := func(event string) {
		settings.invalidate()
		groups.Invalidate()
		if rosterSvc != nil {
			rosterSvc.Invalidate()
		}
		hub.BroadcastDBUpdate()
		if err := bus.Publish(ctx, event, nil); err != nil {
			slog.Warn("publish notice", "event", event, "error", err)
		}
	}
	rosterSvc = roster.NewService(engine, db, photos, cfg.Attendance.DupThreshold, notify)

	// React to notices from other instances.
	err = bus.Consume(ctx, func(ctx context.Context, n queue.Notice) {
		switch n.Event {
		case queue.EventAttendanceLog:
			store.Invalidate()
			if err := store.Load(ctx, true); err != nil {
				slog.Warn("reload attendance log", "error", err)
			}
			var ev models.AttendanceEvent
			if len(n.Payload) > 0 && json.Unmarshal(n.Payload, &ev) == nil && ev.ID != 0 {
				hub.BroadcastLog(ev)
			}
		case queue.EventRosterUpdate:
			settings.invalidate()
			groups.Invalidate()
			rosterSvc.Invalidate()
			if err := loadIndex(ctx, db, engine); err != nil {
				slog.Warn("reload index", "error", err)
			}
			hub.BroadcastDBUpdate()
		}
	})
	if err != nil {
		slog.Warn("start notice consumer", "error", err)
	}

	// Upload directory watcher
	var watch *watcher.Watcher
	if cfg.Watcher.Enabled {
		watch = watcher.New(cfg.Watcher.Dir, cfg.Watcher.Interval, rosterSvc, db, notify)
		go watch.Run(ctx)
		slog.Info("upload watcher started", "dir", cfg.Watcher.Dir)
	}

	// Setup router
	router := api.NewRouter(api.RouterConfig{
		APIKey:   cfg.Server.APIKey,
		OrgID:    cfg.Server.OrgID,
		DB:       db,
		Photos:   photos,
		Mirror:   redisMirror,
		Bus:      bus,
		Engine:   engine,
		Store:    store,
		Groups:   groups,
		Roster:   rosterSvc,
		Hub:      hub,
		Settings: settings.load,
		Notify:   notify,
	})

	// Start HTTP server
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("API server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down...")
	cancel()

	if watch != nil {
		select {
		case <-watch.Done():
		case <-time.After(5 * time.Second):
			slog.Warn("watcher did not stop in time")
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}

	// Let the persist worker drain queued writes.
	store.Wait()

	slog.Info("presence service stopped")
}

// loadIndex replaces the engine's index with the roster rows.
func loadIndex(ctx context.Context, db *storage.PostgresStore, engine *vision.Engine) error {
	identities, err := db.ListIdentities(ctx)
	if err != nil {
		return err
	}
	entries := make(map[string][]float32, len(identities))
	for _, id := range identities {
		if len(id.Embedding) > 0 {
			entries[id.Label] = id.Embedding
		}
	}
	return engine.ReplaceAll(ctx, entries)
}

// settingsCache keeps the org settings document warm for a few seconds
// so cooldown checks don't hit Postgres per frame.
type settingsCache struct {
	db *storage.PostgresStore

	mu      sync.Mutex
	current models.Settings
	loaded  time.Time
}

func newSettingsCache(db *storage.PostgresStore) *settingsCache {
	return &settingsCache{db: db}
}

func (c *settingsCache) load(ctx context.Context) (models.Settings, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.loaded.IsZero() && time.Since(c.loaded) < 5*time.Second {
		return c.current, nil
	}

	s, err := c.db.LoadSettings(ctx)
	if err != nil {
		if !c.loaded.IsZero() {
			return c.current, nil
		}
		return models.Settings{}, err
	}
	c.current = s
	c.loaded = time.Now()
	return s, nil
}

func (c *settingsCache) invalidate() {
	c.mu.Lock()
	c.loaded = time.Time{}
	c.mu.Unlock()
}

// getONNXLibPath returns the ONNX Runtime shared library path.
func getONNXLibPath() string {
	switch runtime.GOOS {
	case "windows":
		return "onnxruntime.dll"
	case "linux":
		return "libonnxruntime.so"
	case "darwin":
		return "libonnxruntime.dylib"
	default:
		return "onnxruntime.dll"
	}
}
