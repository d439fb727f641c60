package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cogip/shmlidar/internal/config"
	"github.com/cogip/shmlidar/internal/lidar/convert"
	"github.com/cogip/shmlidar/internal/shm"
	"github.com/cogip/shmlidar/internal/version"
)

var (
	configFile  = flag.String("config", "", "Path to a driver configuration file (.json or .toml)")
	segmentName = flag.String("segment", "", "Shared memory segment name (overrides the configuration)")
	shmDir      = flag.String("shm-dir", "", "Directory holding the shared memory objects")
	statsEvery  = flag.Duration("stats", time.Minute, "Interval between statistics log lines (0 disables)")
	showVersion = flag.Bool("version", false, "Print the version and exit")
)

func main() {
	flag.Parse()
	if *showVersion {
		fmt.Println(version.String())
		return
	}

	cfg := config.EmptyDriverConfig()
	if *configFile != "" {
		var err error
		if cfg, err = config.LoadDriverConfig(*configFile); err != nil {
			log.Fatalf("config: %v", err)
		}
	}
	if *segmentName != "" {
		cfg.SegmentName = segmentName
	}
	if *shmDir != "" {
		cfg.ShmDir = shmDir
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	seg, err := shm.AttachSegment(shm.Namespace{Dir: cfg.GetShmDir()}, cfg.GetSegmentName())
	if err != nil {
		log.Fatalf("attach segment %s: %v", cfg.GetSegmentName(), err)
	}
	defer seg.Close()

	conv := convert.NewConverter(convert.ConfigFromDriver(seg, cfg))
	conv.Start()
	log.Printf("converting lidar data of segment %s (pose %d, margin %.0fmm)",
		seg.Name(), cfg.GetPoseIndex(), cfg.GetTableLimitsMargin())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var tick <-chan time.Time
	if *statsEvery > 0 {
		t := time.NewTicker(*statsEvery)
		defer t.Stop()
		tick = t.C
	}
	for done := false; !done; {
		select {
		case <-ctx.Done():
			done = true
		case <-tick:
			st := conv.Stats()
			log.Printf("conversions=%d pose_errors=%d last=%d->%d",
				st.Conversions, st.PoseErrors, st.LastInput, st.LastOutput)
		}
	}

	conv.Stop()
	log.Printf("stopped after %d conversions", conv.Stats().Conversions)
}
