package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	goruntime "runtime"
	"sync"

	"github.com/posthog/posthog-go"
	"github.com/rs/zerolog"
	wailsRuntime "github.com/wailsapp/wails/v2/pkg/runtime"

	"southmakuhari-history/internal/board"
	"southmakuhari-history/internal/boardsync"
	"southmakuhari-history/internal/cache"
	"southmakuhari-history/internal/coastline"
	"southmakuhari-history/internal/composite"
	"southmakuhari-history/internal/config"
	"southmakuhari-history/internal/era"
	"southmakuhari-history/internal/fade"
	"southmakuhari-history/internal/gsi"
	"southmakuhari-history/internal/handlers/tileserver"
	"southmakuhari-history/internal/logging"
	"southmakuhari-history/internal/ratelimit"
	"southmakuhari-history/internal/taskqueue"
	"southmakuhari-history/internal/timeline"
)

// Linker flags
var (
	PostHogKey  string
	PostHogHost string
	AppVersion  string = "0.0.0-dev"
)

// App owns the engine components and is the single struct bound to the
// frontend. Methods on it are the frontend's API; everything the engine
// pushes the other way goes through Wails events.
type App struct {
	ctx context.Context

	root   zerolog.Logger
	logger zerolog.Logger

	timeline   *timeline.Timeline
	tileCache  *cache.TileCache
	client     *gsi.Client
	loader     *composite.Loader
	mapView    *mapBridge
	animator   *fade.Animator
	eras       *era.Controller
	coast      *coastline.Service
	xr         *xrBridge
	boardMgr   *board.Manager
	syncer     *boardsync.Syncer
	tileServer *tileserver.Server
	rateLimits *ratelimit.Handler
	taskQueue  *taskqueue.Manager

	phClient posthog.Client

	mu          sync.Mutex
	settings    *config.UserSettings
	deviceClass boardsync.DeviceClass // as reported by the frontend
}

// NewApp builds the engine. Construction failures degrade: a component that
// cannot come up is logged and left nil, and the bindings that need it
// answer with an error instead of taking the whole app down.
func NewApp() *App {
	homeDir, _ := os.UserHomeDir()
	appDir := filepath.Join(homeDir, ".southmakuhari-history")

	if err := config.Load(appDir); err != nil {
		fmt.Fprintf(os.Stderr, "config load failed: %v\n", err)
	}

	level := config.GetString("logLevel")
	if os.Getenv("DEV_MODE") == "1" {
		level = "debug"
	}
	root := logging.Setup(os.Stderr, level, config.GetBool("logPretty"))
	logger := logging.Component(root, "app")

	settings, err := config.LoadSettings()
	if err != nil {
		logger.Warn().Err(err).Msg("failed to load settings, using defaults")
		settings = config.DefaultSettings()
	}
	logger.Info().Str("path", config.GetSettingsPath()).Msg("settings loaded")

	a := &App{
		root:        root,
		logger:      logger,
		settings:    settings,
		deviceClass: boardsync.ClassStandard,
	}

	tl, err := timeline.Load(config.GetString("timeline.path"))
	if err != nil {
		logger.Error().Err(err).Msg("failed to load timeline, viewer disabled")
	}
	a.timeline = tl

	tileCache, err := cache.New(cache.DefaultDir(), settings.CacheMaxSizeMB, settings.CacheTTLDays, logging.Component(root, "cache"))
	if err != nil {
		logger.Warn().Err(err).Msg("tile cache unavailable, continuing without")
		tileCache = nil
	}
	a.tileCache = tileCache

	client, err := gsi.NewClient(config.GetString("tile.root"), config.GetDuration("tile.timeout"), tileCache, logging.Component(root, "gsi"))
	if err != nil {
		logger.Error().Err(err).Msg("failed to create tile client")
	}
	a.client = client

	if client != nil {
		loader, err := composite.NewLoader(client, config.GetInt("tile.workers"), logging.Component(root, "composite"))
		if err != nil {
			logger.Error().Err(err).Msg("failed to create composite loader")
		}
		a.loader = loader
	}

	a.mapView = newMapBridge(tl, logging.Component(root, "map"))
	a.animator = fade.NewAnimator(a.mapView, config.GetDuration("fade.duration"), config.GetDuration("fade.tick"), logging.Component(root, "fade"))

	if tl != nil {
		eras, err := era.NewController(tl.Eras, a.animator, logging.Component(root, "era"))
		if err != nil {
			logger.Error().Err(err).Msg("failed to create era controller")
		}
		a.eras = eras

		coast, err := coastline.NewService(tl.Coastline, logging.Component(root, "coastline"))
		if err != nil {
			logger.Warn().Err(err).Msg("coastline overlay unavailable")
		}
		a.coast = coast
	}

	a.xr = newXRBridge(logging.Component(root, "xr"), func() string {
		if a.tileServer == nil {
			return ""
		}
		return a.tileServer.URL()
	})

	boardMgr, err := board.NewManager(a.xr, a.xr, logging.Component(root, "board"))
	if err != nil {
		logger.Error().Err(err).Msg("failed to create board manager")
	}
	a.boardMgr = boardMgr

	if a.loader != nil && a.eras != nil && boardMgr != nil {
		a.syncer = boardsync.New(
			a.loader, boardMgr, a.eras, tl,
			a.currentProfile(),
			config.GetDuration("sync.settleDelay"),
			logging.Component(root, "boardsync"),
		)
		a.eras.SetOnChange(a.onEraChanged)
	}

	a.rateLimits = ratelimit.NewHandler(nil, logging.Component(root, "ratelimit"))
	a.rateLimits.SetAutoRetry(settings.AutoRetryOnRateLimit)

	a.tileServer = tileserver.NewServer(client, tileCache, a.xr, a.coast, tl, logging.Component(root, "tileserver"))

	queueDir := filepath.Join(appDir, "queue")
	a.taskQueue = taskqueue.NewManager(queueDir, logging.Component(root, "taskqueue"))
	logger.Info().Str("path", queueDir).Msg("export queue ready")

	if PostHogKey != "" {
		phClient, err := posthog.NewWithConfig(PostHogKey, posthog.Config{Endpoint: PostHogHost})
		if err != nil {
			logger.Warn().Err(err).Msg("failed to initialize analytics")
		} else {
			a.phClient = phClient
		}
	}

	return a
}

// startup wires the engine to the frontend once the Wails runtime exists.
func (a *App) startup(ctx context.Context) {
	a.ctx = ctx
	a.mapView.bind(ctx)
	a.xr.bind(ctx)

	if err := os.MkdirAll(a.settings.ExportPath, 0755); err != nil {
		a.logger.Warn().Err(err).Str("path", a.settings.ExportPath).Msg("cannot create export directory")
	}

	if err := a.tileServer.Start(); err != nil {
		a.logger.Error().Err(err).Msg("tile server failed to start")
	} else {
		wailsRuntime.EventsEmit(ctx, "tileserver-ready", map[string]interface{}{
			"url": a.tileServer.URL(),
		})
	}

	a.wireRateLimits(ctx)

	a.taskQueue.SetExecutor(a)
	a.taskQueue.SetCallbacks(
		func(status taskqueue.QueueStatus) {
			wailsRuntime.EventsEmit(ctx, "task-queue-update", status)
		},
		func(taskID string, progress taskqueue.TaskProgress) {
			wailsRuntime.EventsEmit(ctx, "task-progress", map[string]interface{}{
				"taskId":   taskID,
				"progress": progress,
			})
		},
		func(taskID string, success bool, err error) {
			errStr := ""
			if err != nil {
				errStr = err.Error()
			}
			wailsRuntime.EventsEmit(ctx, "task-complete", map[string]interface{}{
				"taskId":  taskID,
				"success": success,
				"error":   errStr,
			})
		},
		func(title, message, notifType string) {
			wailsRuntime.EventsEmit(ctx, "system-notification", map[string]interface{}{
				"title":   title,
				"message": message,
				"type":    notifType,
			})
		},
	)

	a.TrackEvent("app_started", map[string]interface{}{
		"version": a.GetAppVersion(),
		"os":      goruntime.GOOS,
		"arch":    goruntime.GOARCH,
	})
}

// Shutdown tears the engine down in reverse dependency order.
func (a *App) Shutdown(ctx context.Context) {
	if a.taskQueue != nil {
		a.taskQueue.Close()
	}
	if a.boardMgr != nil {
		a.boardMgr.Dispose()
	}
	if a.animator != nil {
		a.animator.StopAll()
	}
	if a.tileServer != nil {
		if err := a.tileServer.Stop(ctx); err != nil {
			a.logger.Warn().Err(err).Msg("tile server shutdown")
		}
	}
	if a.rateLimits != nil {
		a.rateLimits.Close()
	}
	if a.tileCache != nil {
		a.tileCache.Close()
	}
	if a.phClient != nil {
		a.phClient.Close()
	}
	a.logger.Info().Msg("engine stopped")
}

// onEraChanged fans an era selection out to the board sync and the frontend.
func (a *App) onEraChanged(index int, e timeline.Era) {
	if a.syncer != nil {
		a.syncer.OnEraChanged(index, e)
	}
	if a.ctx != nil {
		wailsRuntime.EventsEmit(a.ctx, "era-changed", map[string]interface{}{
			"index": index,
			"eraId": e.ID,
			"title": e.Title,
		})
	}
}

// currentProfile resolves the effective compose profile: the settings
// override wins, otherwise the class the frontend reported.
func (a *App) currentProfile() boardsync.Profile {
	a.mu.Lock()
	defer a.mu.Unlock()

	class := a.deviceClass
	if a.settings.DeviceClassOverride != "" {
		class = boardsync.DeviceClass(a.settings.DeviceClassOverride)
	}
	return boardsync.ProfileFor(class)
}

// TrackEvent sends an analytics event. Analytics are opt-in; without consent
// or a configured key this is a no-op.
func (a *App) TrackEvent(event string, props map[string]interface{}) {
	a.mu.Lock()
	enabled := a.settings.AnalyticsEnabled
	a.mu.Unlock()

	if a.phClient == nil || !enabled {
		return
	}
	a.phClient.Enqueue(posthog.Capture{
		DistinctId: "backend_user",
		Event:      event,
		Properties: props,
	})
}

// GetAppVersion returns the current application version
func (a *App) GetAppVersion() string {
	return AppVersion
}

// TileServerURL returns the base URL of the local tile server. Empty until
// startup has run.
func (a *App) TileServerURL() string {
	if a.tileServer == nil {
		return ""
	}
	return a.tileServer.URL()
}

// GetTimeline returns the full era/spot/layer dataset for the frontend.
func (a *App) GetTimeline() (*timeline.Timeline, error) {
	if a.timeline == nil {
		return nil, fmt.Errorf("timeline unavailable")
	}
	return a.timeline, nil
}

// GetSpots lists the named viewpoints.
func (a *App) GetSpots() ([]timeline.Spot, error) {
	if a.timeline == nil {
		return nil, fmt.Errorf("timeline unavailable")
	}
	return a.timeline.Spots, nil
}

// GetDefaultSpot returns the startup viewpoint: the spot named in settings,
// or the first spot when the setting is stale.
func (a *App) GetDefaultSpot() (timeline.Spot, error) {
	if a.timeline == nil || len(a.timeline.Spots) == 0 {
		return timeline.Spot{}, fmt.Errorf("no spots configured")
	}

	a.mu.Lock()
	spotID := a.settings.DefaultSpotID
	a.mu.Unlock()

	if spot, ok := a.timeline.SpotByID(spotID); ok {
		return spot, nil
	}
	return a.timeline.Spots[0], nil
}

// GetExportPath returns the current export directory
func (a *App) GetExportPath() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.settings.ExportPath
}

// SetExportPath changes and persists the export directory
func (a *App) SetExportPath(path string) error {
	if err := os.MkdirAll(path, 0755); err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.settings.ExportPath = path
	return config.SaveSettings(a.settings)
}

// SelectExportFolder opens a folder picker dialog
func (a *App) SelectExportFolder() (string, error) {
	path, err := wailsRuntime.OpenDirectoryDialog(a.ctx, wailsRuntime.OpenDialogOptions{
		Title:            "Select Export Folder",
		DefaultDirectory: a.GetExportPath(),
	})
	if err != nil {
		return "", err
	}

	if path != "" {
		if err := a.SetExportPath(path); err != nil {
			return "", err
		}
	}

	return path, nil
}

// OpenExportFolder opens the export directory in the OS file explorer
func (a *App) OpenExportFolder() error {
	return a.OpenFolder(a.GetExportPath())
}

// OpenFolder opens a specific folder in the OS file explorer
func (a *App) OpenFolder(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return fmt.Errorf("folder does not exist: %s", path)
	}

	var cmd *exec.Cmd
	switch goruntime.GOOS {
	case "darwin":
		cmd = exec.Command("open", path)
	case "windows":
		cmd = exec.Command("explorer", path)
	default: // Linux and others
		cmd = exec.Command("xdg-open", path)
	}
	return cmd.Start()
}
