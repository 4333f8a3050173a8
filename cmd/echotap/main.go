package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/vuemix/echotap/internal/config"
	"github.com/vuemix/echotap/internal/device"
	"github.com/vuemix/echotap/internal/endpoint"
	"github.com/vuemix/echotap/internal/engine"
	"github.com/vuemix/echotap/internal/logging"
	"github.com/vuemix/echotap/internal/observe"
)

var (
	// Version is set via ldflags at build time
	Version = "dev"
)

func main() {
	var (
		configPath  = flag.String("config", "", "path to config file (defaults apply when empty)")
		listDevices = flag.Bool("list-devices", false, "list audio endpoints and exit")
		loopback    = flag.Bool("loopback", false, "capture what is being rendered instead of an input device")
		deviceID    = flag.String("device", "", "device id override ('default' for the system default)")
		outPath     = flag.String("out", "-", "raw PCM output file, '-' for stdout")
		metricsAddr = flag.String("metrics-addr", ":9464", "Prometheus /metrics listen address, empty to disable")
	)
	flag.Parse()

	direction := config.DirectionCapture
	if *loopback {
		direction = config.DirectionLoopback
	}

	if *listDevices {
		if err := printDevices(direction); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}

	cfg := config.Default(direction)
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			log := logging.New()
			log.Fatal().Err(err).Str("path", *configPath).Msg("Failed to load config")
		}
		cfg = *loaded
	}
	if *loopback {
		cfg.Direction = config.DirectionLoopback
	}
	if *deviceID != "" {
		cfg.DeviceID = *deviceID
	}

	log := logging.NewWithLevel(cfg.LogLevel)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	shutdown, err := observe.InitProvider(ctx, Version)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize metrics")
	}
	defer func() {
		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer scancel()
		if err := shutdown(sctx); err != nil {
			log.Error().Err(err).Msg("Metrics shutdown error")
		}
	}()

	met, err := observe.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create metrics")
	}

	sink, err := newRawSink(*outPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", *outPath).Msg("Failed to open output")
	}
	defer sink.Close()

	eng, err := engine.New(engine.Config{
		Stream:    cfg,
		Endpoints: endpoint.NewMalgoFactory(log),
		Sink:      sink,
		Logger:    log,
		Metrics:   met,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create engine")
	}

	g, ctx := errgroup.WithContext(ctx)

	if *metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		srv := &http.Server{Addr: *metricsAddr, Handler: mux}
		g.Go(func() error {
			log.Info().Str("addr", *metricsAddr).Msg("Metrics endpoint listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			sctx, scancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer scancel()
			return srv.Shutdown(sctx)
		})
	}

	log.Info().
		Str("device", device.Resolve(cfg.Direction, cfg.DeviceID).Name).
		Str("direction", string(cfg.Direction)).
		Bool("aec", cfg.AECEnabled()).
		Msg("echotap starting")

	eng.Start()

	g.Go(func() error {
		<-ctx.Done()
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("Runtime error")
	}

	log.Info().Msg("Shutting down...")
	eng.Stop()
}

func printDevices(dir config.Direction) error {
	infos, err := device.List(dir)
	if err != nil {
		return err
	}
	for _, d := range infos {
		marker := " "
		if d.Default {
			marker = "*"
		}
		fmt.Printf("%s %-40s %s\n", marker, d.ID, d.Name)
	}
	return nil
}

// rawSink writes frame payloads as raw PCM. The engine delivers frames
// from a single goroutine, so no locking is needed on the hot path.
type rawSink struct {
	w *bufio.Writer
	f *os.File
}

func newRawSink(path string) (*rawSink, error) {
	if path == "-" {
		return &rawSink{w: bufio.NewWriter(os.Stdout)}, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	return &rawSink{w: bufio.NewWriter(f), f: f}, nil
}

func (s *rawSink) OutputAudio(f engine.OutputFrame) {
	s.w.Write(f.Data)
}

func (s *rawSink) Close() error {
	s.w.Flush()
	if s.f != nil {
		return s.f.Close()
	}
	return nil
}
