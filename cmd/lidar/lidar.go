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

	"golang.org/x/sync/errgroup"

	"github.com/cogip/shmlidar/internal/config"
	"github.com/cogip/shmlidar/internal/lidar/driver"
	"github.com/cogip/shmlidar/internal/lidar/lidardb"
	"github.com/cogip/shmlidar/internal/lidar/monitor"
	"github.com/cogip/shmlidar/internal/lidar/network"
	"github.com/cogip/shmlidar/internal/lidar/publish"
	"github.com/cogip/shmlidar/internal/lidar/visualiser"
	"github.com/cogip/shmlidar/internal/serialmux"
	"github.com/cogip/shmlidar/internal/shm"
	"github.com/cogip/shmlidar/internal/timeutil"
	"github.com/cogip/shmlidar/internal/version"
)

var (
	configFile  = flag.String("config", "", "Path to a driver configuration file (.json or .toml)")
	model       = flag.String("model", "", "Lidar model: g2 or ld19")
	port        = flag.String("port", "", "Serial port of the lidar")
	segmentName = flag.String("segment", "", "Shared memory segment name")
	owner       = flag.Bool("owner", false, "Create the segment instead of attaching to it")
	shmDir      = flag.String("shm-dir", "", "Directory holding the shared memory objects")
	adminListen = flag.String("admin", "", "Debug HTTP listen address (disabled when empty)")
	grpcListen  = flag.String("grpc", "", "Scan stream gRPC listen address (disabled when empty)")
	dbFile      = flag.String("db", "", "Path to the scan statistics database (disabled when empty)")
	captureFile = flag.String("capture", "", "Record the raw serial stream to this pcap file")
	showVersion = flag.Bool("version", false, "Print the version and exit")
)

// loadConfig reads the configuration file and applies the flags that were
// set on the command line.
func loadConfig() (*config.DriverConfig, error) {
	cfg := config.EmptyDriverConfig()
	if *configFile != "" {
		var err error
		if cfg, err = config.LoadDriverConfig(*configFile); err != nil {
			return nil, err
		}
	}
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "model":
			cfg.Model = model
		case "port":
			cfg.Port = port
		case "segment":
			cfg.SegmentName = segmentName
		case "owner":
			cfg.Owner = owner
		case "shm-dir":
			cfg.ShmDir = shmDir
		case "admin":
			cfg.AdminListen = adminListen
		case "grpc":
			cfg.GRPCListen = grpcListen
		case "db":
			cfg.DatabasePath = dbFile
		case "capture":
			cfg.CapturePath = captureFile
		}
	})
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// ld19CommTimeout bounds the wait for the first LD19 measurement frame.
var ld19CommTimeout = 3 * time.Second

// lidarDevice is a Scanner with a connection lifecycle.
type lidarDevice interface {
	driver.Scanner
	start() error
	shutdown()
}

type g2Device struct{ *driver.G2Lidar }

func (d g2Device) start() error {
	if !d.Connect() {
		return errors.New("g2: connection failed")
	}
	if !d.Start() {
		return errors.New("g2: failed to start scanning")
	}
	return nil
}

func (d g2Device) shutdown() {
	d.Stop()
	d.Disconnect()
}

type ld19Device struct{ *driver.LD19Lidar }

func (d ld19Device) start() error {
	if !d.Connect() {
		return errors.New("ld19: connection failed")
	}
	if !d.WaitLidarComm(ld19CommTimeout) {
		return errors.New("ld19: no measurement frame received")
	}
	if !d.Start() {
		return errors.New("ld19: failed to start")
	}
	return nil
}

func (d ld19Device) shutdown() {
	d.Stop()
	d.Disconnect()
}

func newDevice(cfg *config.DriverConfig, t driver.Transport) (lidarDevice, *publish.Resampler) {
	switch cfg.GetModel() {
	case config.ModelLD19:
		return ld19Device{driver.NewLD19Lidar(t, timeutil.RealClock{})}, nil
	default:
		drv := driver.NewG2Driver(t,
			driver.WithReadTimeout(cfg.GetReadTimeout()),
			driver.WithTimeoutRetries(cfg.GetTimeoutRetries()),
		)
		lidar := driver.NewG2Lidar(drv, cfg.GetScanFrequencyHz(), cfg.GetSampleRateK())
		return g2Device{lidar}, publish.ResamplerFromConfig(cfg)
	}
}

// transportOpener opens the serial link to the device.
type transportOpener func(cfg *config.DriverConfig) (*serialmux.SerialMux[serialmux.SerialPorter], error)

func openSerial(cfg *config.DriverConfig) (*serialmux.SerialMux[serialmux.SerialPorter], error) {
	return serialmux.NewRealSerialMux(cfg.GetPort(), serialmux.PortOptions{BaudRate: cfg.GetBaudRate()})
}

func openSegment(cfg *config.DriverConfig) (*shm.Segment, error) {
	ns := shm.Namespace{Dir: cfg.GetShmDir()}
	if cfg.GetOwner() {
		return shm.CreateSegment(ns, cfg.GetSegmentName())
	}
	return shm.AttachSegment(ns, cfg.GetSegmentName())
}

func ignoreCancel(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func main() {
	flag.Parse()
	if *showVersion {
		fmt.Println(version.String())
		return
	}
	log.Printf("lidar %s", version.String())

	cfg, err := loadConfig()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err = run(ctx, cfg, openSerial)
	stop()
	if err != nil {
		log.Fatalf("lidar: %v", err)
	}
}

// run drives the device until ctx is cancelled. The serial port and the
// segment are released on every return path, so an owner never leaves named
// objects behind.
func run(ctx context.Context, cfg *config.DriverConfig, open transportOpener) error {
	mux, err := open(cfg)
	if err != nil {
		return fmt.Errorf("serial: %w", err)
	}
	// The device closes the port on shutdown; a second close only reports
	// that it is already closed.
	defer mux.Close()

	seg, err := openSegment(cfg)
	if err != nil {
		return fmt.Errorf("shared memory: %w", err)
	}
	defer func() {
		if err := seg.Close(); err != nil {
			log.Printf("close segment: %v", err)
		}
	}()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	// abort stops the goroutines already started before a setup failure.
	abort := func(err error) error {
		cancel()
		g.Wait()
		return err
	}

	g.Go(func() error { return ignoreCancel(mux.Monitor(gctx)) })

	var capture *network.Recorder
	if path := cfg.GetCapturePath(); path != "" {
		if capture, err = network.CreateCaptureFile(path); err != nil {
			return abort(fmt.Errorf("capture: %w", err))
		}
		defer func() {
			if err := capture.Close(); err != nil {
				log.Printf("close capture: %v", err)
			}
		}()
		id, chunks := mux.Subscribe()
		g.Go(func() error {
			defer mux.Unsubscribe(id)
			return ignoreCancel(capture.Record(gctx, chunks))
		})
		log.Printf("recording serial stream to %s", path)
	}

	device, resampler := newDevice(cfg, mux)
	if err := device.start(); err != nil {
		device.shutdown()
		return abort(fmt.Errorf("device: %w", err))
	}
	defer device.shutdown()

	pub := publish.NewPublisher(publish.Config{
		Scanner:   device,
		Writer:    publish.NewSegmentWriter(seg),
		Filter:    publish.FilterFromConfig(cfg),
		Resampler: resampler,
	})

	var ldb *lidardb.LidarDB
	var recorder *lidardb.Recorder
	if path := cfg.GetDatabasePath(); path != "" {
		if ldb, err = lidardb.NewLidarDB(path); err != nil {
			return abort(fmt.Errorf("database: %w", err))
		}
		defer ldb.Close()
		if err := ldb.StartSession(lidardb.Session{
			SessionID: pub.SessionID().String(),
			Model:     cfg.GetModel(),
			Port:      cfg.GetPort(),
			StartedAt: time.Now(),
		}); err != nil {
			return abort(fmt.Errorf("database: %w", err))
		}
		recorder = lidardb.NewRecorder(ldb)
		defer func() {
			recorder.Close()
			if err := ldb.EndSession(pub.SessionID().String(), time.Now()); err != nil {
				log.Printf("end session: %v", err)
			}
		}()
		pub.AddSink(recorder)
	}

	var stream *visualiser.Server
	if addr := cfg.GetGRPCListen(); addr != "" {
		vcfg := visualiser.DefaultConfig()
		vcfg.ListenAddr = addr
		stream = visualiser.NewServer(vcfg)
		pub.AddSink(stream)
		g.Go(func() error { return stream.ListenAndServe() })
		g.Go(func() error {
			<-gctx.Done()
			stream.Stop()
			return nil
		})
	}

	if addr := cfg.GetAdminListen(); addr != "" {
		httpMux := http.NewServeMux()
		mux.AttachAdminRoutes(httpMux)
		if ldb != nil {
			if err := ldb.AttachAdminRoutes(httpMux); err != nil {
				return abort(fmt.Errorf("admin routes: %w", err))
			}
		}
		extra := map[string]func() any{}
		if capture != nil {
			extra["capture"] = func() any { return capture.Stats() }
		}
		if recorder != nil {
			extra["database"] = func() any { return recorder.Stats() }
		}
		if stream != nil {
			extra["grpc"] = func() any { return stream.Stats() }
		}
		monitor.NewWebServer(monitor.Config{
			Scanner:   device,
			Publisher: pub,
			Segment:   seg,
			Extra:     extra,
		}).AttachAdminRoutes(httpMux)

		server := &http.Server{Addr: addr, Handler: httpMux}
		g.Go(func() error { return ignoreCancel(server.ListenAndServe()) })
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		})
		log.Printf("debug routes on http://%s/debug/", addr)
	}

	g.Go(func() error { return pub.Run(gctx) })
	log.Printf("publishing %s scans to segment %s", cfg.GetModel(), seg.Name())

	err = g.Wait()
	st := pub.Stats()
	log.Printf("published %d scans (%d failures, %d overruns)", st.Published, st.Failures, st.Overruns)
	return err
}
