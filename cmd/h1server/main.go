package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/searchktools/h1server/app"
	"github.com/searchktools/h1server/config"
	"github.com/searchktools/h1server/core/auth"
	"github.com/searchktools/h1server/core/http"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if errors.Is(err, flag.ErrHelp) {
		os.Exit(0)
	}
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}

	logFile := setupLogging(cfg)
	if logFile != nil {
		defer logFile.Close()
	}

	application, err := app.New(cfg, log.Logger)
	if err != nil {
		log.Fatal().Err(err).Msg("Startup failed")
	}
	registerRoutes(application)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := application.Run(ctx); err != nil {
		log.Error().Err(err).Msg("Server stopped with error")
		os.Exit(1)
	}
	log.Info().Msg("Bye")
}

// setupLogging writes human-readable logs to a terminal and JSON otherwise.
// A log file, when configured, always receives JSON.
func setupLogging(cfg *config.Config) *os.File {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.TimeFieldFormat = time.RFC3339Nano

	var out io.Writer = os.Stdout
	if fi, err := os.Stdout.Stat(); err == nil && fi.Mode()&os.ModeCharDevice != 0 && cfg.Env != "production" {
		out = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.TimeOnly}
	}

	var f *os.File
	if cfg.LogFile != "" {
		f, err = os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			log.Fatal().Err(err).Str("file", cfg.LogFile).Msg("Cannot open log file")
		}
		out = zerolog.MultiLevelWriter(out, f)
	}

	log.Logger = zerolog.New(out).Level(level).With().Timestamp().Logger()
	return f
}

func registerRoutes(a *app.App) {
	mux := a.Mux()

	mux.GET("/", func(req *http.Request, ac auth.Context) (*http.Response, error) {
		resp := http.Text(http.StatusOK, "h1server is running\n")
		resp.Header.Set(http.HeaderCacheControl, "public, max-age=300")
		return resp, nil
	})

	mux.GET("/whoami", func(req *http.Request, ac auth.Context) (*http.Response, error) {
		resp := http.JSON(http.StatusOK, map[string]string{
			"principal": ac.Principal,
			"scheme":    ac.Scheme.String(),
			"policy":    ac.Policy,
		})
		resp.Header.Set(http.HeaderCacheControl, "private, no-store")
		return resp, nil
	})

	mux.GET("/users/:id", func(req *http.Request, ac auth.Context) (*http.Response, error) {
		return http.Success(map[string]string{"id": req.Param("id")}), nil
	})

	mux.POST("/echo", func(req *http.Request, ac auth.Context) (*http.Response, error) {
		ct := req.Header.Get(http.HeaderContentType)
		if ct == "" {
			ct = "application/octet-stream"
		}
		return http.Data(http.StatusOK, ct, req.Body.Bytes), nil
	})

	mux.POST("/upload", func(req *http.Request, ac auth.Context) (*http.Response, error) {
		if req.Body.Kind != http.BodyMultipart {
			return nil, http.NewStatusError(http.StatusUnsupportedMediaType, "expected multipart/form-data")
		}
		type part struct {
			Name        string `json:"name"`
			Filename    string `json:"filename,omitempty"`
			ContentType string `json:"content_type"`
			Size        string `json:"size"`
		}
		parts := make([]part, 0, len(req.Body.Parts))
		for i := range req.Body.Parts {
			p := &req.Body.Parts[i]
			parts = append(parts, part{
				Name:        p.Name,
				Filename:    p.Filename,
				ContentType: p.ContentType(),
				Size:        humanize.IBytes(uint64(len(p.Body))),
			})
		}
		return http.JSON(http.StatusOK, parts), nil
	})
}
