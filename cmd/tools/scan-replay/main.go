// Command scan-replay decodes a serial capture written by the lidar daemon
// and reports the rotations it contains. The last rotation can be rendered
// as a PNG plot or an HTML chart.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/cogip/shmlidar/internal/config"
	"github.com/cogip/shmlidar/internal/lidar"
	"github.com/cogip/shmlidar/internal/lidar/driver"
	"github.com/cogip/shmlidar/internal/lidar/l2frames"
	"github.com/cogip/shmlidar/internal/lidar/lidardb"
	"github.com/cogip/shmlidar/internal/lidar/monitor"
	"github.com/cogip/shmlidar/internal/lidar/network"
	"github.com/cogip/shmlidar/internal/lidar/parse"
)

var (
	pcapFile = flag.String("pcap", "", "Capture file to replay (required)")
	model    = flag.String("model", config.ModelG2, "Lidar model of the capture: g2 or ld19")
	speed    = flag.Float64("speed", 0, "Replay speed multiplier (0 = as fast as possible)")
	pngFile  = flag.String("png", "", "Write a plot of the last rotation to this PNG file")
	htmlFile = flag.String("html", "", "Write a chart of the last rotation to this HTML file")
	verbose  = flag.Bool("v", false, "Print every rotation")
)

// rotationDecoder turns raw serial bytes into rotations.
type rotationDecoder interface {
	feed(chunk []byte, stamp uint64) [][]lidar.Point
	summary() string
}

type g2Decoder struct {
	dec   *parse.G2Decoder
	asm   *l2frames.ScanAssembler
	nodes []lidar.Node
}

func (d *g2Decoder) feed(chunk []byte, stamp uint64) [][]lidar.Point {
	var out [][]lidar.Point
	for _, b := range chunk {
		if d.dec.Feed(b) != parse.EventPacket {
			continue
		}
		d.nodes = d.dec.AppendNodes(d.nodes[:0], stamp)
		for _, n := range d.nodes {
			rot := d.asm.Add(n)
			if rot == nil {
				continue
			}
			points := make([]lidar.Point, len(rot))
			for i, node := range rot {
				points[i] = driver.NodePoint(node)
			}
			out = append(out, points)
		}
	}
	return out
}

func (d *g2Decoder) summary() string {
	ds, as := d.dec.Stats(), d.asm.Stats()
	return fmt.Sprintf("decoder %+v, assembler %+v", ds, as)
}

type ld19Decoder struct {
	dec       *parse.LD19Decoder
	asm       *l2frames.RotationAssembler
	lastStamp uint64
	speed     float64
}

func (d *ld19Decoder) feed(chunk []byte, stamp uint64) [][]lidar.Point {
	for _, b := range chunk {
		if d.dec.Feed(b) != parse.EventPacket {
			continue
		}
		pkt := d.dec.Packet()
		d.speed = float64(pkt.Speed)
		points := make([]lidar.Point, len(pkt.Points))
		for i, p := range pkt.Points {
			points[i] = lidar.Point{
				Angle:     pkt.PointAngle(i),
				Range:     float64(p.Distance),
				Intensity: float64(p.Intensity),
				Stamp:     d.lastStamp,
			}
		}
		d.asm.Add(points...)
		d.lastStamp = stamp
	}
	var out [][]lidar.Point
	for {
		rot := d.asm.Assemble(d.speed)
		if rot == nil {
			return out
		}
		out = append(out, rot)
	}
}

func (d *ld19Decoder) summary() string {
	ds, as := d.dec.Stats(), d.asm.Stats()
	return fmt.Sprintf("decoder %+v, assembler %+v", ds, as)
}

func newDecoder(m string) (rotationDecoder, error) {
	switch m {
	case config.ModelG2:
		return &g2Decoder{dec: parse.NewG2Decoder(), asm: l2frames.NewScanAssembler(0)}, nil
	case config.ModelLD19:
		return &ld19Decoder{dec: parse.NewLD19Decoder(), asm: l2frames.NewRotationAssembler()}, nil
	}
	return nil, fmt.Errorf("unknown model %q", m)
}

func main() {
	flag.Parse()
	if *pcapFile == "" {
		flag.Usage()
		os.Exit(2)
	}

	dec, err := newDecoder(*model)
	if err != nil {
		log.Fatal(err)
	}
	reader, err := network.OpenCaptureFile(*pcapFile)
	if err != nil {
		log.Fatal(err)
	}
	defer reader.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var rotations int
	var last []lidar.Point
	stats, err := network.Replay(ctx, reader, network.ReplayConfig{SpeedMultiplier: *speed}, func(pkt network.PCAPPacket) error {
		for _, rot := range dec.feed(pkt.Data, uint64(pkt.Timestamp.UnixNano())) {
			rotations++
			last = rot
			if *verbose {
				st := lidardb.ComputeScanStats(rot)
				fmt.Printf("rotation %d: %d points, %d valid, range %.0f..%.0f mm (mean %.0f)\n",
					rotations, len(rot), st.Count, st.MinRange, st.MaxRange, st.MeanRange)
			}
		}
		return nil
	})
	if err != nil && ctx.Err() == nil {
		log.Fatalf("replay: %v", err)
	}

	fmt.Printf("%d chunks, %d bytes over %s\n", stats.Packets, stats.Bytes, stats.Captured)
	fmt.Printf("%d rotations; %s\n", rotations, dec.summary())
	if last == nil {
		return
	}

	title := fmt.Sprintf("%s rotation %d", *model, rotations)
	if *pngFile != "" {
		if err := monitor.SaveScanPNG(*pngFile, last, title); err != nil {
			log.Fatalf("plot: %v", err)
		}
		fmt.Printf("wrote %s\n", *pngFile)
	}
	if *htmlFile != "" {
		f, err := os.Create(*htmlFile)
		if err != nil {
			log.Fatal(err)
		}
		if err := monitor.RenderPolarHTML(f, last, title, 0); err != nil {
			f.Close()
			log.Fatalf("chart: %v", err)
		}
		if err := f.Close(); err != nil {
			log.Fatal(err)
		}
		fmt.Printf("wrote %s\n", *htmlFile)
	}
}
