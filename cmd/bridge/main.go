package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/banshee-data/underpass.report/internal/api"
	"github.com/banshee-data/underpass.report/internal/bridge"
	"github.com/banshee-data/underpass.report/internal/config"
	"github.com/banshee-data/underpass.report/internal/db"
	"github.com/banshee-data/underpass.report/internal/fsutil"
	"github.com/banshee-data/underpass.report/internal/monitoring"
	"github.com/banshee-data/underpass.report/internal/protocol"
	"github.com/banshee-data/underpass.report/internal/serialmux"
	"github.com/banshee-data/underpass.report/internal/sink"
	"github.com/banshee-data/underpass.report/internal/version"
)

var (
	configPath  = flag.String("config", "", "Path to a TOML config file (default: "+config.DefaultConfigPath+" if present)")
	devMode     = flag.Bool("dev", false, "Replay -fixture instead of opening the source")
	fixture     = flag.String("fixture", "", "Raw byte capture replayed in dev mode")
	port        = flag.String("port", "", "Serial device, or host:port for a tcp source (overrides the config file)")
	listen      = flag.String("listen", "", "HTTP listen address (overrides the config file)")
	showVersion = flag.Bool("version", false, "Print version and exit")
)

// loadConfig reads path, or the default file when path is empty and that
// file exists, and applies flag overrides.
func loadConfig(path, portFlag, listenFlag string) (*config.Config, error) {
	cfg := config.Default()
	if path == "" {
		if _, err := os.Stat(config.DefaultConfigPath); err == nil {
			path = config.DefaultConfigPath
		}
	}
	if path != "" {
		var err error
		if cfg, err = config.Load(path); err != nil {
			return nil, err
		}
	}

	if portFlag != "" {
		if cfg.Source.Kind == config.SourceTCP {
			cfg.Source.Address = portFlag
		} else {
			cfg.Source.Port = portFlag
		}
	}
	if listenFlag != "" {
		cfg.Admin.Listen = listenFlag
	}
	return cfg, cfg.Validate()
}

// buildOpener picks the byte source. Dev mode replays a capture in a loop.
func buildOpener(cfg *config.Config, dev bool, fixturePath string) (serialmux.Opener, error) {
	if dev {
		if fixturePath == "" {
			return nil, errors.New("-dev requires -fixture")
		}
		data, err := os.ReadFile(fixturePath)
		if err != nil {
			return nil, fmt.Errorf("failed to read fixture: %w", err)
		}
		return &serialmux.FixtureOpener{Name: fixturePath, Data: data, Loop: true}, nil
	}

	switch cfg.Source.Kind {
	case config.SourceTCP:
		return &serialmux.TCPOpener{
			Addr:        cfg.Source.Address,
			DialTimeout: cfg.Source.RetryInterval.Duration,
			ReadTimeout: cfg.Source.ReadTimeout.Duration,
		}, nil
	default:
		return serialmux.NewSerialOpener(cfg.Source.Port, cfg.PortOptions(), cfg.Source.ReadTimeout.Duration), nil
	}
}

func openMoteLog(path string) (io.WriteCloser, error) {
	if path == "" {
		return nopCloser{os.Stdout}, nil
	}
	return os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }

func fatal(err error, msg string) {
	monitoring.L().Error().Err(err).Msg(msg)
	os.Exit(1)
}

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Println(version.Get())
		return
	}

	cfg, err := loadConfig(*configPath, *port, *listen)
	if err != nil {
		fatal(err, "failed to load configuration")
	}

	moteOut, err := openMoteLog(cfg.Log.MotePath)
	if err != nil {
		fatal(err, "failed to open mote log")
	}
	defer moteOut.Close()

	if _, err := monitoring.Configure(monitoring.Options{
		App:     "underpass",
		Level:   cfg.Log.Level,
		JSON:    cfg.Log.JSON,
		MoteOut: moteOut,
	}); err != nil {
		fatal(err, "failed to configure logging")
	}
	monitoring.L().Info().Str("version", version.Get().String()).Msg("starting bridge")

	opener, err := buildOpener(cfg, *devMode, *fixture)
	if err != nil {
		fatal(err, "failed to configure source")
	}

	demux, err := protocol.NewDemuxer(cfg.ProtocolOptions())
	if err != nil {
		fatal(err, "failed to configure demuxer")
	}

	fanout := &sink.Fanout{
		Snapshot: sink.NewSnapshotStore(fsutil.OSFileSystem{}, cfg.Snapshot.Path),
		Topic:    cfg.MQTT.Topic,
	}

	var history *db.DB
	if cfg.History.Enabled {
		history, err = db.NewDB(cfg.History.Path, cfg.History.Retention)
		if err != nil {
			fatal(err, "failed to open history database")
		}
		defer history.Close()
		fanout.History = history
	}

	var publisher *sink.MQTTPublisher
	if cfg.MQTT.Enabled {
		publisher = sink.NewMQTTPublisher(sink.MQTTOptions{
			Broker:         cfg.MQTT.Broker,
			ClientID:       cfg.MQTT.ClientID,
			Topic:          cfg.MQTT.Topic,
			QoS:            byte(cfg.MQTT.QoS),
			Retained:       cfg.MQTT.Retained,
			RetryInterval:  cfg.MQTT.RetryInterval.Duration,
			PublishTimeout: cfg.MQTT.PublishTimeout.Duration,
		})
		fanout.Publisher = publisher
	}

	tail := serialmux.NewLineTail()
	defer tail.Close()

	bcfg := bridge.Config{
		Opener:        opener,
		Demuxer:       demux,
		Sink:          fanout,
		Tail:          tail,
		PollInterval:  cfg.Source.PollInterval.Duration,
		RetryInterval: cfg.Source.RetryInterval.Duration,
		Thresholds:    cfg.BandThresholds(),
	}
	if publisher != nil {
		bcfg.Publisher = publisher
	}
	b, err := bridge.New(bcfg)
	if err != nil {
		fatal(err, "failed to create bridge")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// the operator supplied the device address; a bad one needs a human
	if err := b.Connect(ctx); err != nil {
		fatal(err, "failed to open source")
	}

	if publisher != nil {
		publisher.Start()
		defer publisher.Close()
	}

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := b.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			monitoring.L().Error().Err(err).Msg("bridge stopped")
		}
		monitoring.L().Info().Msg("bridge routine terminated")
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()

		var hr api.HistoryReader
		if history != nil {
			hr = history
		}
		server := api.NewServer(b, fanout.Snapshot, hr)
		mux := server.ServeMux()
		server.AttachAdminRoutes(mux)
		tail.AttachAdminRoutes(mux)
		if history != nil {
			if err := history.AttachAdminRoutes(mux); err != nil {
				monitoring.L().Warn().Err(err).Msg("database admin routes unavailable")
			}
		}

		httpServer := &http.Server{
			Addr:              cfg.Admin.Listen,
			Handler:           api.LoggingMiddleware(mux),
			ReadHeaderTimeout: 5 * time.Second,
		}

		go func() {
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				fatal(err, "failed to start server")
			}
		}()
		monitoring.L().Info().Str("listen", cfg.Admin.Listen).Msg("HTTP server started")

		<-ctx.Done()
		monitoring.L().Info().Msg("shutting down HTTP server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			monitoring.L().Warn().Err(err).Msg("HTTP server shutdown error")
			if err := httpServer.Close(); err != nil {
				monitoring.L().Warn().Err(err).Msg("HTTP server force close error")
			}
		}
		monitoring.L().Info().Msg("HTTP server routine stopped")
	}()

	wg.Wait()
	monitoring.L().Info().Msg("graceful shutdown complete")
}
