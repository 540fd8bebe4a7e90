package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/fpang/photomatic/internal/config"
	"github.com/fpang/photomatic/internal/filehandler"
	"github.com/fpang/photomatic/internal/logging"
	"github.com/fpang/photomatic/internal/session"
	"github.com/fpang/photomatic/internal/slideshow"
	"github.com/ncruces/zenity"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

// CLI flags
var (
	photosFlag   string
	instanceFlag string
	configFlag   string
	portFlag     int
	pickFlag     bool
)

var rootCmd = &cobra.Command{
	Use:   "photomatic",
	Short: "Photo slideshow server for a local photo library",
	Long: `Photomatic serves a slideshow of a local photo directory over HTTP.
Photos taken on today's date in earlier years are shown first; after that
photos are picked at random. Resized copies are cached on disk.

Examples:
  photomatic serve --photos ~/Pictures
  photomatic serve --pick --port 8080
  photomatic index --photos ~/Pictures
  photomatic clear`,
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the slideshow web server",
	RunE:  runServe,
}

var indexCmd = &cobra.Command{
	Use:   "index",
	Short: "Build the photo indexes once and exit",
	RunE:  runIndex,
}

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Trim the resized photo cache to the configured limit",
	RunE:  runPrune,
}

var clearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete the indexes and every cached photo",
	RunE:  runClear,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&photosFlag, "photos", "p", "", "Photo directory (overrides server.photos_dir)")
	pf.StringVar(&instanceFlag, "instance", "", "Instance directory for caches and logs (overrides server.instance_dir)")
	pf.StringVarP(&configFlag, "config", "c", config.DefaultFilename, "Config file")

	serveCmd.Flags().IntVar(&portFlag, "port", 0, "Port to listen on (overrides server.port)")
	serveCmd.Flags().BoolVar(&pickFlag, "pick", false, "Choose the photo directory with a native dialog")

	rootCmd.AddCommand(serveCmd, indexCmd, pruneCmd, clearCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig reads the config file and applies command-line overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configFlag)
	if err != nil {
		return nil, err
	}
	if photosFlag != "" {
		cfg.Server.PhotosDir = photosFlag
	}
	if instanceFlag != "" {
		cfg.Server.InstanceDir = instanceFlag
	}
	if portFlag != 0 {
		cfg.Server.Port = portFlag
	}
	if cfg.Server.PhotosDir == "" {
		return nil, errors.New("no photo directory: pass --photos, --pick or set server.photos_dir")
	}
	return cfg, nil
}

func openSlideshow(cfg *config.Config) (*slideshow.Slideshow, error) {
	return slideshow.New(slideshow.Options{
		PhotosDir:   cfg.Server.PhotosDir,
		InstanceDir: cfg.Server.InstanceDir,
		Settings:    slideshow.SettingsFrom(cfg),
	})
}

// pickPhotosDir asks for the photo directory with a native folder dialog.
func pickPhotosDir() (string, error) {
	selected, err := zenity.SelectFile(
		zenity.Directory(),
		zenity.Title("Select photo folder"),
	)
	if err != nil {
		if errors.Is(err, zenity.ErrCanceled) {
			return "", errors.New("no folder selected")
		}
		return "", fmt.Errorf("folder dialog failed: %w", err)
	}
	return selected, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	startTime := time.Now()
	logging.Init()

	if pickFlag {
		dir, err := pickPhotosDir()
		if err != nil {
			return err
		}
		photosFlag = dir
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(cfg.Server.InstanceDir, 0o755); err != nil {
		return fmt.Errorf("failed to create instance directory: %w", err)
	}

	logCloser, err := logging.InitWithFile(filepath.Join(cfg.Server.InstanceDir, slideshow.LogDirName))
	if err != nil {
		log.Warn().Err(err).Msg("File logging unavailable, logging to stderr only")
		logCloser = io.NopCloser(nil)
	}
	defer logCloser.Close()

	show, err := openSlideshow(cfg)
	if err != nil {
		return err
	}
	defer show.Close()

	sessions, err := session.Open(filepath.Join(cfg.Server.InstanceDir, session.DefaultFilename))
	if err != nil {
		return err
	}
	defer sessions.Close()
	if _, err := sessions.Sweep(); err != nil {
		log.Warn().Err(err).Msg("Failed to sweep expired sessions")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		err := config.Watch(ctx, configFlag, func(c *config.Config) {
			show.Apply(slideshow.SettingsFrom(c))
		})
		if err != nil {
			log.Warn().Err(err).Msg("Config hot reload disabled")
		}
	}()

	freshness := show.Start()

	logging.NewStartupLogger("photomatic").
		Version(version).
		Path("photos", cfg.Server.PhotosDir).
		Path("instance", cfg.Server.InstanceDir).
		Path("config", configFlag).
		Feature("same_day_mode", cfg.Cache.SameDayMode).
		Feature("overlay_date", cfg.Overlay.Date).
		Feature("overlay_filename", cfg.Overlay.Filename).
		Feature("heic_ffmpeg", filehandler.IsFFmpegAvailable()).
		Config("port", strconv.Itoa(cfg.Server.Port)).
		Config("max_size", fmt.Sprintf("%dx%d", cfg.Image.MaxWidth, cfg.Image.MaxHeight)).
		Config("cache_limit", strconv.Itoa(cfg.Cache.Limit)).
		Config("index", freshness.String()).
		InitDuration(time.Since(startTime)).
		Log()

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      newServer(show, sessions).routes(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	go func() {
		<-ctx.Done()
		log.Info().Msg("Shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.Info().Int("port", cfg.Server.Port).Msg("Starting web server")
	fmt.Printf("\n  Photomatic: http://localhost:%d/random\n\n", cfg.Server.Port)

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server failed: %w", err)
	}
	return nil
}

func runIndex(cmd *cobra.Command, args []string) error {
	logging.Init()
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	show, err := openSlideshow(cfg)
	if err != nil {
		return err
	}
	defer show.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	snap, err := show.Rebuild(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Indexed %d photos, %d taken on %s in any year\n",
		snap.FullCount, snap.SameDayCount, snap.BuiltFor.String())
	return nil
}

func runPrune(cmd *cobra.Command, args []string) error {
	logging.Init()
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	show, err := openSlideshow(cfg)
	if err != nil {
		return err
	}
	defer show.Close()

	res := show.Prune()
	fmt.Printf("Removed %d cached photos, %d remain (limit %d, %d protected)\n",
		res.Removed, res.After, cfg.Cache.Limit, res.Protected)
	return nil
}

func runClear(cmd *cobra.Command, args []string) error {
	logging.Init()
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	show, err := openSlideshow(cfg)
	if err != nil {
		return err
	}
	defer show.Close()

	if err := show.Clear(); err != nil {
		return err
	}
	fmt.Println("Cache cleared")
	return nil
}
