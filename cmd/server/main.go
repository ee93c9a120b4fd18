package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	zerologlog "github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/kiliankoe/storyquest/internal/api"
	"github.com/kiliankoe/storyquest/internal/config"
	"github.com/kiliankoe/storyquest/internal/sim"
	"github.com/kiliankoe/storyquest/internal/store"
	"github.com/kiliankoe/storyquest/internal/store/sqlite"
	"github.com/kiliankoe/storyquest/internal/story"
	"github.com/kiliankoe/storyquest/internal/ws"
	staticserver "github.com/kiliankoe/storyquest/static"
)

const version = "v0.4.0-dev"

func main() {
	cfg := &config.Config{}
	cobra.CheckErr(newCmd(cfg).Execute())
}

func newCmd(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "storyquest",
		Short:         "Cooperative story game for AAC tablets",
		Args:          cobra.ExactArgs(0),
		SilenceErrors: true,
		SilenceUsage:  true,
		Version:       version,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.Validate(); err != nil {
				return err
			}
			setupLogging(cfg.Verbose)
			return serve(cmd.Context(), cfg)
		},
	}

	fs := cmd.PersistentFlags()
	cfg.RegisterFlags(fs)
	cobra.CheckErr(config.BindEnv(fs))

	cmd.AddCommand(newSimulateCmd(cfg))
	cmd.CompletionOptions.HiddenDefaultCmd = true
	cmd.SetHelpCommand(&cobra.Command{Hidden: true})
	cmd.SetVersionTemplate("storyquest {{.Version}}\n")
	return cmd
}

func newSimulateCmd(cfg *config.Config) *cobra.Command {
	var (
		players    int
		title      string
		difficulty string
		timeout    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Play a room headlessly with in-process tablets and print the story",
		Args:  cobra.ExactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			setupLogging(cfg.Verbose)
			catalog, err := loadCatalog(cfg.StoriesPath)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			res, err := sim.Run(ctx, sim.Options{
				Players:    players,
				Story:      title,
				Difficulty: story.ParseDifficulty(difficulty),
				Catalog:    catalog,
			})
			if err != nil {
				return err
			}
			sim.Print(cmd.OutOrStdout(), res)
			return nil
		},
	}
	fs := cmd.Flags()
	fs.IntVarP(&players, "players", "n", 2, "number of tablets (1-4)")
	fs.StringVar(&title, "story", "", "story title; empty picks the first story")
	fs.StringVar(&difficulty, "difficulty", string(story.Easy), "easy, medium or hard")
	fs.DurationVar(&timeout, "timeout", 30*time.Second, "give up after this long")
	return cmd
}

func setupLogging(verbose bool) {
	// zerolog setup (human-friendly console)
	zerolog.TimeFieldFormat = time.RFC3339
	cw := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	zerologlog.Logger = zerologlog.Output(cw)
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if verbose {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
}

func loadCatalog(path string) (*story.Catalog, error) {
	if path == "" {
		return story.Default()
	}
	return story.Load(path)
}

func openStore(path string) (store.Store, func(), error) {
	if path == "" {
		m := store.NewMemoryStore()
		return m, m.Close, nil
	}
	s, err := sqlite.Open(path)
	if err != nil {
		return nil, nil, err
	}
	return s, func() {
		if err := s.Close(); err != nil {
			zerologlog.Error().Err(err).Msg("close store")
		}
	}, nil
}

func serve(ctx context.Context, cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	catalog, err := loadCatalog(cfg.StoriesPath)
	if err != nil {
		return fmt.Errorf("load stories: %w", err)
	}
	st, closeStore, err := openStore(cfg.StorePath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer closeStore()

	// Gin setup with custom logger (skip /socket.io noise)
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(func(c *gin.Context) {
		start := time.Now()
		c.Next()
		path := c.Request.URL.Path
		if strings.HasPrefix(path, "/socket.io") {
			return
		}
		status := c.Writer.Status()
		dur := time.Since(start)
		zerologlog.Info().Str("path", path).Int("status", status).Dur("dur", dur).Msg("http")
	})

	api.New(st, catalog, *cfg).Register(r)

	sock := ws.New(st, catalog, *cfg)
	io := sock.Mount(r)
	defer io.Close()
	defer sock.Close()

	// Serve frontend (if embedded build is present) for all other routes
	r.NoRoute(func(c *gin.Context) {
		staticserver.Handler().ServeHTTP(c.Writer, c.Request)
	})

	srv := &http.Server{Addr: cfg.Addr(), Handler: r}
	errc := make(chan error, 1)
	go func() {
		zerologlog.Info().Str("addr", cfg.Addr()).Int("stories", len(catalog.Titles())).Msg("listening")
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	zerologlog.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
