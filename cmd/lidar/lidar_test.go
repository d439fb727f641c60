package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cogip/shmlidar/internal/config"
	"github.com/cogip/shmlidar/internal/monitoring"
	"github.com/cogip/shmlidar/internal/serialmux"
	"github.com/cogip/shmlidar/internal/testutil"
)

func strPtr(s string) *string { return &s }
func boolPtr(b bool) *bool    { return &b }

func ownerConfig(t *testing.T, model string) *config.DriverConfig {
	t.Helper()
	cfg := config.EmptyDriverConfig()
	cfg.Model = strPtr(model)
	cfg.Port = strPtr("/dev/null")
	cfg.Owner = boolPtr(true)
	cfg.ShmDir = strPtr(testutil.ShmDir(t))
	cfg.SegmentName = strPtr(testutil.UniqueName(t, "lidar"))
	require.NoError(t, cfg.Validate())
	return cfg
}

// silentPort opens a mux over a port that never delivers a byte.
func silentPort(port **serialmux.TestableSerialPort) transportOpener {
	return func(*config.DriverConfig) (*serialmux.SerialMux[serialmux.SerialPorter], error) {
		p := serialmux.NewTestableSerialPort()
		p.BlockReads = true
		*port = p
		return serialmux.NewSerialMux[serialmux.SerialPorter](p), nil
	}
}

func TestRun_SetupFailureReleasesOwnedObjects(t *testing.T) {
	monitoring.SetLogger(t.Logf)
	t.Cleanup(func() { monitoring.SetLogger(nil) })

	prev := ld19CommTimeout
	ld19CommTimeout = 50 * time.Millisecond
	t.Cleanup(func() { ld19CommTimeout = prev })

	tests := []struct {
		name    string
		model   string
		setup   func(cfg *config.DriverConfig)
		wantErr string
	}{
		{
			name:    "device sends no frame",
			model:   config.ModelLD19,
			wantErr: "no measurement frame",
		},
		{
			name:  "capture file cannot be created",
			model: config.ModelLD19,
			setup: func(cfg *config.DriverConfig) {
				cfg.CapturePath = strPtr(filepath.Join(t.TempDir(), "missing", "serial.pcap"))
			},
			wantErr: "capture",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := ownerConfig(t, tt.model)
			if tt.setup != nil {
				tt.setup(cfg)
			}

			var port *serialmux.TestableSerialPort
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			err := run(ctx, cfg, silentPort(&port))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)

			entries, err := os.ReadDir(cfg.GetShmDir())
			require.NoError(t, err)
			names := make([]string, len(entries))
			for i, e := range entries {
				names[i] = e.Name()
			}
			assert.Empty(t, names, "named objects left behind")

			require.NotNil(t, port)
			assert.True(t, port.Closed, "serial port left open")
		})
	}
}
