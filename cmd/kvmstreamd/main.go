// Command kvmstreamd is the kvmstream daemon: it owns the capture device,
// the still-image encoder pool, the shared-memory sink, and (optionally)
// the local display mirror and a motion-video processor, wiring them
// together through stream.Controller.
//
// kvmstreamd is deliberately not a CLI in the interactive sense (spec §6):
// it takes only a -config flag and a -debug flag, and otherwise runs until
// signaled.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/edaniels/golog"
	"github.com/prometheus/client_golang/prometheus"

	"kvmstream/config"
	"kvmstream/device"
	"kvmstream/display"
	"kvmstream/encoder"
	"kvmstream/logging"
	"kvmstream/memsink"
	"kvmstream/motionvideo"
	"kvmstream/stream"
	"kvmstream/telemetry"
)

func main() {
	configPath := flag.String("config", "", "path to a kvmstream config file (optional; defaults and KVMSTREAM_ env vars otherwise apply)")
	debug := flag.Bool("debug", false, "enable debug-level logging")
	flag.Parse()

	log := logging.New("kvmstreamd")
	if *debug {
		log = logging.NewDebug("kvmstreamd")
	}
	logging.ReplaceGlobal(log)

	if err := run(*configPath, log); err != nil {
		log.Errorw("kvmstreamd exited with error", "error", err)
		os.Exit(1)
	}
}

func run(configPath string, log logging.Logger) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	metrics := telemetry.NewMetrics(prometheus.DefaultRegisterer)

	sink, err := memsink.Open(cfg.SinkName, cfg.SinkSlots, cfg.SinkSlotSize)
	if err != nil {
		return fmt.Errorf("open memsink: %w", err)
	}
	defer sink.Close()

	dev := device.New(log)

	encPool := encoder.NewPool(
		cfg.EncoderWorkers,
		encoder.NewJPEGEncoder(cfg.JPEGQuality),
		cfg.EncodeDeadline,
		metrics,
		log,
	)

	var disp *display.Runtime
	if cfg.DisplayEnabled {
		disp = display.New(log)
		if err := disp.Open(display.Settings{
			CardPath:       cfg.DisplayPath,
			ConnectorName:  cfg.DisplayPort,
			DPMSFlapWindow: 3 * time.Second,
		}); err != nil {
			log.Warnw("display mirror unavailable, continuing capture-only", "error", err)
			disp = nil
		}
	}

	var motion motionvideo.Processor = motionvideo.Noop{}
	if cfg.MotionVideoEnabled {
		wp, err := motionvideo.NewWebRTCProcessor(motionvideo.WebRTCSettings{
			Name:    cfg.MotionVideoName,
			Bitrate: cfg.H264Bitrate * 1000, // config is kbps, the vpx params want bps
			GOPSize: cfg.H264GOP,
		}, golog.NewDevelopmentLogger(cfg.MotionVideoName))
		if err != nil {
			log.Warnw("motion-video processor unavailable, continuing without it", "error", err)
		} else {
			motion = wp
			defer wp.Close()
		}
	}

	ctrl := stream.New(cfg, dev, encPool, sink, disp, motion, metrics, log)

	log.Infow("kvmstreamd starting",
		"device", cfg.DevicePath,
		"display_enabled", cfg.DisplayEnabled,
		"motion_video_enabled", cfg.MotionVideoEnabled,
	)

	err = ctrl.Run(ctx)

	if disp != nil {
		if cerr := disp.Close(); cerr != nil {
			log.Warnw("display mirror close failed", "error", cerr)
		}
	}
	return err
}
