// Package monitor serves the debug views of a running lidar: a status
// document, an interactive chart and a PNG plot of the last published scan.
package monitor

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"tailscale.com/tsweb"

	"github.com/cogip/shmlidar/internal/lidar/driver"
	"github.com/cogip/shmlidar/internal/lidar/publish"
	"github.com/cogip/shmlidar/internal/shm"
)

// PublisherSource is the part of publish.Publisher the views read.
type PublisherSource interface {
	Stats() publish.PublisherStats
	Last() *publish.Published
}

// LockSource reports the shared lock bookkeeping of a segment.
type LockSource interface {
	Lock(n shm.LockName) *shm.WritePriorityLock
}

// Config contains configuration for WebServer.
type Config struct {
	Scanner   driver.Scanner
	Publisher PublisherSource
	// Segment is optional; without it the status has no lock counters.
	Segment LockSource
	// Extra is merged into the status document under its keys.
	Extra map[string]func() any
}

// WebServer renders the debug views.
type WebServer struct {
	scanner   driver.Scanner
	publisher PublisherSource
	segment   LockSource
	extra     map[string]func() any
}

func NewWebServer(cfg Config) *WebServer {
	return &WebServer{
		scanner:   cfg.Scanner,
		publisher: cfg.Publisher,
		segment:   cfg.Segment,
		extra:     cfg.Extra,
	}
}

// Status is the document served on lidar/status.
type Status struct {
	Driver    driver.Status            `json:"driver"`
	Publisher publish.PublisherStats   `json:"publisher"`
	Locks     map[string]shm.LockState `json:"locks,omitempty"`
	LastScan  *ScanSummary             `json:"last_scan,omitempty"`
	Extra     map[string]any           `json:"extra,omitempty"`
}

// ScanSummary describes the last published scan.
type ScanSummary struct {
	Seq         uint64  `json:"seq"`
	Points      int     `json:"points"`
	NodeCount   int     `json:"node_count"`
	FrequencyHz float64 `json:"frequency_hz"`
	DurationMs  float64 `json:"duration_ms"`
}

// Status collects the current state.
func (ws *WebServer) Status() Status {
	st := Status{
		Driver:    ws.scanner.Status(),
		Publisher: ws.publisher.Stats(),
	}
	if ws.segment != nil {
		st.Locks = make(map[string]shm.LockState)
		for _, n := range shm.LockNames() {
			st.Locks[n.String()] = ws.segment.Lock(n).State()
		}
	}
	if last := ws.publisher.Last(); last != nil {
		st.LastScan = &ScanSummary{
			Seq:         last.Seq,
			Points:      len(last.Points),
			NodeCount:   last.NodeCount,
			FrequencyHz: last.FrequencyHz,
			DurationMs:  float64(last.Duration.Microseconds()) / 1000,
		}
	}
	if len(ws.extra) > 0 {
		st.Extra = make(map[string]any, len(ws.extra))
		for k, f := range ws.extra {
			st.Extra[k] = f()
		}
	}
	return st
}

func (ws *WebServer) writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// AttachAdminRoutes mounts the views under /debug/lidar/.
func (ws *WebServer) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)
	debug.HandleFunc("lidar/status", "lidar driver and publisher status", ws.handleStatus)
	debug.HandleFunc("lidar/polar", "last published scan (chart)", ws.handlePolar)
	debug.HandleFunc("lidar/plot.png", "last published scan (PNG)", ws.handlePlot)
}

func (ws *WebServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		ws.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.Encode(ws.Status())
}

// handlePolar renders the last scan with go-echarts.
// Query params:
//   - max_points (optional; default 2000)
func (ws *WebServer) handlePolar(w http.ResponseWriter, r *http.Request) {
	last := ws.publisher.Last()
	if last == nil {
		ws.writeJSONError(w, http.StatusNotFound, "no scan published yet")
		return
	}
	maxPoints := 2000
	if mp := r.URL.Query().Get("max_points"); mp != "" {
		if v, err := strconv.Atoi(mp); err == nil && v > 10 && v <= 10000 {
			maxPoints = v
		}
	}

	var buf bytes.Buffer
	subtitle := fmt.Sprintf("seq=%d freq=%.1fHz", last.Seq, last.FrequencyHz)
	if err := RenderPolarHTML(&buf, last.Points, subtitle, maxPoints); err != nil {
		ws.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to render chart: %v", err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

func (ws *WebServer) handlePlot(w http.ResponseWriter, r *http.Request) {
	last := ws.publisher.Last()
	if last == nil {
		ws.writeJSONError(w, http.StatusNotFound, "no scan published yet")
		return
	}
	var buf bytes.Buffer
	title := fmt.Sprintf("scan %d (%d points)", last.Seq, len(last.Points))
	if err := WriteScanPNG(&buf, last.Points, title); err != nil {
		ws.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to render plot: %v", err))
		return
	}
	w.Header().Set("Content-Type", "image/png")
	_, _ = w.Write(buf.Bytes())
}
