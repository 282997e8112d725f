package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/CoyAce/duplex/internal/config"
	"github.com/CoyAce/duplex/internal/observe"
	"github.com/CoyAce/duplex/internal/unit"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

var version = "dev"

var (
	configPath  = flag.String("config", "", "path to a YAML configuration file")
	backend     = flag.String("backend", "", "override device backend: miniaudio, portaudio or synthetic")
	listDevices = flag.Bool("list-devices", false, "list audio devices and exit")
	loopback    = flag.Bool("loopback", false, "play processed capture back on the matching output channel")
)

func main() {
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			log.Fatal(err)
		}
	}
	if *backend != "" {
		cfg.Device.Backend = config.Backend(*backend)
		if err := config.Validate(cfg); err != nil {
			log.Fatal(err)
		}
	}

	if *listDevices {
		if err := printDevices(cfg.Device.Backend); err != nil {
			log.Fatal(err)
		}
		return
	}

	logger, err := observe.NewLogger(os.Stderr, cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		log.Fatal(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if d := cfg.Synthetic.Duration; d > 0 && cfg.Device.Backend == config.BackendSynthetic {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	if err := run(ctx, cfg, logger); err != nil {
		logger.WithError(err).Fatal("duplex stopped")
	}
}

func run(ctx context.Context, cfg *config.Config, logger *logrus.Logger) error {
	mainLog := observe.Component(logger, "main")

	opts := []unit.Option{
		unit.WithLogger(observe.Component(logger, "unit")),
	}

	g, gctx := errgroup.WithContext(ctx)

	if cfg.Metrics.ListenAddr != "" {
		mp, shutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceVersion: version})
		if err != nil {
			return fmt.Errorf("metrics provider: %w", err)
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(sctx); err != nil {
				mainLog.WithError(err).Warn("Metrics shutdown failed")
			}
		}()
		metrics, err := observe.NewMetrics(mp)
		if err != nil {
			return err
		}
		opts = append(opts, unit.WithMetrics(metrics))

		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		srv := &http.Server{Addr: cfg.Metrics.ListenAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error {
			mainLog.WithField("addr", srv.Addr).Info("Serving metrics")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(sctx)
		})
	}

	ucfg, err := unitConfig(cfg)
	if err != nil {
		return err
	}
	factory, err := dspFactory(cfg)
	if err != nil {
		return err
	}
	opts = append(opts, unit.WithFactory(factory))

	fatal := make(chan error, 1)
	opts = append(opts, unit.WithErrorHandler(func(err error) {
		select {
		case fatal <- err:
		default:
		}
	}))

	var u *unit.Unit
	frames := newFrameLog(observe.Component(logger, "input"), cfg.Device.InputChannels)
	opts = append(opts, unit.WithInputHandler(func(f unit.Frame) {
		frames.observe(f)
		if *loopback && f.Channel < u.ChannelCount(unit.Output) {
			u.Play(f.Channel, f.Samples)
		}
	}))

	u, err = unit.New(ucfg, opts...)
	if err != nil {
		return err
	}

	dev, err := openDevice(cfg, u, observe.Component(logger, "device"))
	if err != nil {
		return errors.Join(err, u.Close())
	}
	if err := dev.Start(); err != nil {
		return errors.Join(err, dev.Close(), u.Close())
	}
	mainLog.WithField("backend", cfg.Device.Backend).Info("Duplex stream running")

	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case err := <-fatal:
			return err
		}
	})
	runErr := g.Wait()

	// the device must stop calling back before the unit goes away
	err = errors.Join(runErr, dev.Close(), u.Close())
	mainLog.WithFields(logrus.Fields{
		"delivered": u.Stats().Delivered,
		"cycles":    u.Stats().Cycles,
	}).Info("Duplex stream stopped")
	return err
}
