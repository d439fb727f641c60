// Command shm-inspect prints the state of a shared memory segment and applies
// small manual edits to it.
//
// Usage:
//
//	shm-inspect [flags] locks
//	shm-inspect [flags] data | coords | pose
//	shm-inspect [flags] push-pose <x> <y> <angle>
//	shm-inspect [flags] table-limits <minX> <maxX> <minY> <maxY>
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/cogip/shmlidar/internal/shm"
)

var (
	segmentName = flag.String("segment", "cogip", "Shared memory segment name")
	shmDir      = flag.String("shm-dir", "", "Directory holding the shared memory objects")
	asJSON      = flag.Bool("json", false, "Print JSON instead of tables")
	limit       = flag.Int("n", 20, "Maximum number of rows to print (0 prints all)")
)

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: %s [flags] locks|data|coords|pose|push-pose|table-limits [args]\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	seg, err := shm.AttachSegment(shm.Namespace{Dir: *shmDir}, *segmentName)
	if err != nil {
		log.Fatalf("attach segment %s: %v", *segmentName, err)
	}
	defer seg.Close()

	args := flag.Args()[1:]
	switch cmd := flag.Arg(0); cmd {
	case "locks":
		printLocks(seg)
	case "data":
		printData(seg)
	case "coords":
		printCoords(seg)
	case "pose":
		printPoses(seg)
	case "push-pose":
		v := floats(args, 3)
		lock := seg.Lock(shm.LockPoseCurrent)
		lock.StartWriting()
		seg.PoseCurrent().Push(shm.Pose{X: v[0], Y: v[1], Angle: v[2]})
		lock.FinishWriting()
		lock.PostUpdate()
	case "table-limits":
		v := floats(args, 4)
		limits := seg.TableLimits()
		limits[shm.TableMinX] = float32(v[0])
		limits[shm.TableMaxX] = float32(v[1])
		limits[shm.TableMinY] = float32(v[2])
		limits[shm.TableMaxY] = float32(v[3])
	default:
		log.Fatalf("unknown command %q", cmd)
	}
}

func floats(args []string, n int) []float64 {
	if len(args) != n {
		log.Fatalf("expected %d numbers, got %d", n, len(args))
	}
	out := make([]float64, n)
	for i, a := range args {
		v, err := strconv.ParseFloat(a, 64)
		if err != nil {
			log.Fatalf("invalid number %q: %v", a, err)
		}
		out[i] = v
	}
	return out
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		log.Fatal(err)
	}
}

func truncate(n int) int {
	if *limit > 0 && n > *limit {
		return *limit
	}
	return n
}

func printLocks(seg *shm.Segment) {
	states := make(map[string]shm.LockState)
	for _, n := range shm.LockNames() {
		states[n.String()] = seg.Lock(n).State()
	}
	if *asJSON {
		printJSON(states)
		return
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "LOCK\tREADERS\tPENDING WRITERS\tCONSUMERS\tWRITE LOCK\tUPDATE")
	for _, n := range shm.LockNames() {
		st := states[n.String()]
		fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%d\n",
			n, st.Readers, st.PendingWriters, st.Consumers, st.WriteLockValue, st.UpdateValue)
	}
	w.Flush()
}

func printData(seg *shm.Segment) {
	rows := seg.ReadLidarData(nil)
	if *asJSON {
		printJSON(rows)
		return
	}
	fmt.Printf("%d rows\n", len(rows))
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(w, "ANGLE\tDISTANCE\tINTENSITY\t")
	for _, r := range rows[:truncate(len(rows))] {
		fmt.Fprintf(w, "%.2f\t%.1f\t%.0f\t\n", r.Angle, r.Distance, r.Intensity)
	}
	w.Flush()
}

func printCoords(seg *shm.Segment) {
	coords := seg.ReadLidarCoords(nil)
	if *asJSON {
		printJSON(coords)
		return
	}
	fmt.Printf("%d coordinates\n", len(coords))
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(w, "X\tY\t")
	for _, c := range coords[:truncate(len(coords))] {
		fmt.Fprintf(w, "%.1f\t%.1f\t\n", c.X, c.Y)
	}
	w.Flush()
}

func printPoses(seg *shm.Segment) {
	lock := seg.Lock(shm.LockPoseCurrent)
	lock.StartReading()
	buf := seg.PoseCurrent()
	poses := make([]shm.Pose, 0, buf.Size())
	for i := 0; i < buf.Size(); i++ {
		p, err := buf.Get(i)
		if err != nil {
			break
		}
		poses = append(poses, p)
	}
	lock.FinishReading()

	limits := seg.TableLimits()
	if *asJSON {
		printJSON(map[string]any{"poses": poses, "table_limits": limits})
		return
	}
	fmt.Printf("table limits: x [%.0f, %.0f] y [%.0f, %.0f]\n",
		limits[shm.TableMinX], limits[shm.TableMaxX], limits[shm.TableMinY], limits[shm.TableMaxY])
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(w, "#\tX\tY\tANGLE\t")
	for i, p := range poses[:truncate(len(poses))] {
		fmt.Fprintf(w, "%d\t%.1f\t%.1f\t%.2f\t\n", i, p.X, p.Y, p.Angle)
	}
	w.Flush()
}
