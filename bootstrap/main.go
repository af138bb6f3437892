package bootstrap

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"runtime/pprof"
	"time"

	"github.com/getsentry/sentry-go"
	sentrygin "github.com/getsentry/sentry-go/gin"
	pprof_gin "github.com/gin-contrib/pprof"
	"github.com/gin-gonic/gin"
	sloggin "github.com/samber/slog-gin"

	"github.com/forgeci/hookhub/config"
	"github.com/forgeci/hookhub/controllers"
	"github.com/forgeci/hookhub/middleware"
	"github.com/forgeci/hookhub/models"
	"github.com/forgeci/hookhub/stats"
	"github.com/forgeci/hookhub/utils"
)

// based on https://www.digitalocean.com/community/tutorials/using-ldflags-to-set-version-information-for-go-applications
var Version = "dev"

func setupProfiler(r *gin.Engine) {
	pprof_gin.Register(r)

	if err := os.MkdirAll("/tmp/profiles", 0o755); err != nil {
		slog.Error("Failed to create profiles directory", "error", err)
		panic(err)
	}

	go periodicProfiling()
}

func periodicProfiling() {
	ticker := time.NewTicker(1 * time.Hour)
	defer ticker.Stop()

	for range ticker.C {
		// Trigger GC before taking memory profile
		runtime.GC()

		timestamp := time.Now().Format("2006-01-02-15-04-05")
		memProfilePath := filepath.Join("/tmp/profiles", fmt.Sprintf("memory-%s.pprof", timestamp))
		f, err := os.Create(memProfilePath)
		if err != nil {
			slog.Error("Failed to create memory profile", "error", err)
			continue
		}

		if err := pprof.WriteHeapProfile(f); err != nil {
			slog.Error("Failed to write memory profile", "error", err)
		}
		f.Close()

		cleanupOldProfiles("/tmp/profiles", 168)
	}
}

func cleanupOldProfiles(dir string, keep int) {
	files, err := filepath.Glob(filepath.Join(dir, "memory-*.pprof"))
	if err != nil {
		slog.Error("Failed to list profile files", "error", err)
		return
	}

	if len(files) <= keep {
		return
	}

	// File names sort by timestamp.
	for i := 0; i < len(files)-keep; i++ {
		if err := os.Remove(files[i]); err != nil {
			slog.Error("Failed to remove old profile", "file", files[i], "error", err)
		}
	}
}

// Bootstrap wires logging, sentry, the database, and every route onto
// a gin engine. The caller owns starting it.
func Bootstrap(hookhubController controllers.HookhubController) *gin.Engine {
	defer stats.CloseClient()
	initLogging()
	cfg := config.HookhubConfig

	if err := sentry.Init(sentry.ClientOptions{
		Dsn:              os.Getenv("SENTRY_DSN"),
		EnableTracing:    true,
		TracesSampleRate: 0.1,
		Release:          "hookhub@" + Version,
		Debug:            true,
		DebugWriter:      utils.NewSentrySlogWriter(slog.Default().WithGroup("sentry")),
	}); err != nil {
		slog.Error("Sentry initialization failed", "error", err)
	}

	models.ConnectDatabase()

	r := gin.Default()

	r.Use(sloggin.New(slog.Default().WithGroup("http")))

	if _, exists := os.LookupEnv("HOOKHUB_PPROF_DEBUG_ENABLED"); exists {
		setupProfiler(r)
	}

	r.Use(sentrygin.New(sentrygin.Options{Repanic: true}))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"build_date":  cfg.GetString("build_date"),
			"deployed_at": cfg.GetString("deployed_at"),
			"version":     Version,
		})
	})

	r.POST("/github-app-webhook", hookhubController.GithubAppWebHook)
	r.POST("/hooks/:projectId", hookhubController.ReceiveHook)

	internal := r.Group("/_internal")
	internal.Use(middleware.InternalApiAuth())
	internal.POST("/installation_token", hookhubController.GetInstallationToken)
	internal.GET("/collaborators/:collaboratorId/repositories", hookhubController.RepositoriesForCollaborator)

	return r
}

func initLogging() {
	logLevel := os.Getenv("HOOKHUB_LOG_LEVEL")
	var level slog.Leveler

	switch logLevel {
	case "DEBUG":
		level = slog.LevelDebug
	case "WARN":
		level = slog.LevelWarn
	case "ERROR":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	})
	logger := slog.New(handler)
	slog.SetDefault(logger)
}
