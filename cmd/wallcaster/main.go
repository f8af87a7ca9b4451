// Command wallcaster is a reference broadcaster agent: it registers its
// source geometry with the hub, serves every viewer the hub announces and
// streams a synthetic test pattern. Real deployments swap the pattern for a
// capture source and plug in a hardware encoder backend.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/wallgrid/wallgrid/pkg/caster"
	"github.com/wallgrid/wallgrid/pkg/config"
	"github.com/wallgrid/wallgrid/pkg/geom"
	"github.com/wallgrid/wallgrid/pkg/media"
	"github.com/wallgrid/wallgrid/pkg/webrtcext"
	"github.com/wallgrid/wallgrid/pkg/wire"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		configFilePath = flag.String("config", "", "configuration file path")
		hubURL         = flag.String("hub", "ws://localhost:3000/ws", "hub websocket URL")
		width          = flag.Int("width", 1920, "source width in pixels")
		height         = flag.Int("height", 1080, "source height in pixels")
		fps            = flag.Int("fps", 30, "test pattern frame rate")
	)
	flag.Parse()

	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, ForceColors: true})

	cfg, err := config.LoadConfig(*configFilePath)
	if err != nil {
		logrus.WithError(err).Error("could not load config")
		return 1
	}
	setLogLevel(cfg.LogLevel)

	g := geom.Geometry{Width: *width, Height: *height}
	if err := g.Validate(); err != nil {
		logrus.WithError(err).Error("invalid source geometry")
		return 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signals := make(chan os.Signal, 2)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-signals
		logrus.Info("shutting down")
		cancel()
	}()

	client, err := caster.Dial(ctx, *hubURL)
	if err != nil {
		logrus.WithError(err).Error("could not reach the hub")
		return 1
	}
	defer client.Close()

	if err := client.Send(wire.RegisterBroadcaster{Geometry: g}); err != nil {
		logrus.WithError(err).Error("could not register")
		return 1
	}

	factory, err := webrtcext.NewPeerConnectionFactory(cfg.WebRTC)
	if err != nil {
		logrus.WithError(err).Error("could not set up WebRTC")
		return 1
	}

	pattern := media.NewTestPattern(g, *fps)
	defer pattern.Close()

	logrus.WithFields(logrus.Fields{
		"hub":    *hubURL,
		"width":  g.Width,
		"height": g.Height,
	}).Info("broadcasting")

	coordinator := caster.NewCoordinator(caster.CoordinatorConfig{
		Source:  pattern.Source(),
		Factory: factory,
		Signal:  client,
	})
	coordinator.Run(ctx, client.Messages())
	return 0
}

func setLogLevel(level string) {
	switch level {
	case "debug":
		logrus.SetLevel(logrus.DebugLevel)
	case "warn":
		logrus.SetLevel(logrus.WarnLevel)
	case "error":
		logrus.SetLevel(logrus.ErrorLevel)
	default:
		logrus.SetLevel(logrus.InfoLevel)
	}
}
