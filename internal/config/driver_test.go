package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestEmptyDriverConfig_Defaults(t *testing.T) {
	cfg := EmptyDriverConfig()

	assert.Equal(t, ModelG2, cfg.GetModel())
	assert.Equal(t, DefaultPort, cfg.GetPort())
	assert.Equal(t, 230400, cfg.GetBaudRate())
	assert.Equal(t, "cogip", cfg.GetSegmentName())
	assert.False(t, cfg.GetOwner())
	assert.Equal(t, 12.0, cfg.GetScanFrequencyHz())
	assert.Equal(t, 5, cfg.GetSampleRateK())
	assert.Equal(t, time.Second, cfg.GetReadTimeout())
	assert.Equal(t, 1, cfg.GetTimeoutRetries())
	assert.Equal(t, 65535.0, cfg.GetMaxDistance())
	assert.Equal(t, 1000, cfg.GetResampleAbsThreshold())
	assert.Equal(t, 30, cfg.GetResampleLongThreshold())
	assert.Equal(t, 10*time.Second, cfg.GetResampleWindow())
	assert.Empty(t, cfg.GetDatabasePath())
	assert.Empty(t, cfg.GetGRPCListen())
}

func TestLoadDriverConfig_JSON(t *testing.T) {
	path := writeConfig(t, "driver.json", `{
		"model": "ld19",
		"segment_name": "/robot",
		"owner": true,
		"scan_frequency_hz": 10,
		"min_intensity": 12.5,
		"resample_window": "5s"
	}`)

	cfg, err := LoadDriverConfig(path)
	require.NoError(t, err)

	assert.Equal(t, ModelLD19, cfg.GetModel())
	assert.Equal(t, "robot", cfg.GetSegmentName())
	assert.True(t, cfg.GetOwner())
	assert.Equal(t, 10.0, cfg.GetScanFrequencyHz())
	assert.Equal(t, 12.5, cfg.GetMinIntensity())
	assert.Equal(t, 5*time.Second, cfg.GetResampleWindow())
	// Omitted fields keep their defaults.
	assert.Equal(t, 1000, cfg.GetResampleAbsThreshold())
}

func TestLoadDriverConfig_TOML(t *testing.T) {
	path := writeConfig(t, "driver.toml", `
model = "g2"
port = "/dev/ttyACM0"
baud_rate = 115200
max_distance = 3000.0
min_invalid_angle = 120.0
max_invalid_angle = 240.0
timeout_retries = 3
`)

	cfg, err := LoadDriverConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "/dev/ttyACM0", cfg.GetPort())
	assert.Equal(t, 115200, cfg.GetBaudRate())
	assert.Equal(t, 3000.0, cfg.GetMaxDistance())
	assert.Equal(t, 120.0, cfg.GetMinInvalidAngle())
	assert.Equal(t, 240.0, cfg.GetMaxInvalidAngle())
	assert.Equal(t, 3, cfg.GetTimeoutRetries())
}

func TestLoadDriverConfig_Rejects(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		body    string
		wantErr string
	}{
		{"extension", "driver.yaml", "model: g2", "extension"},
		{"bad json", "driver.json", "{", "parse config JSON"},
		{"bad toml", "driver.toml", "model = ", "parse config TOML"},
		{"unknown model", "driver.json", `{"model": "x4"}`, "model must be"},
		{"nested segment", "driver.json", `{"segment_name": "a/b"}`, "segment_name"},
		{"zero frequency", "driver.json", `{"scan_frequency_hz": 0}`, "scan_frequency_hz"},
		{"bad duration", "driver.json", `{"read_timeout": "soon"}`, "read_timeout"},
		{"negative duration", "driver.json", `{"resample_window": "-1s"}`, "resample_window"},
		{"distance order", "driver.json", `{"min_distance": 500, "max_distance": 100}`, "min_distance"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadDriverConfig(writeConfig(t, tt.file, tt.body))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadDriverConfig_TooLarge(t *testing.T) {
	body := `{"port": "` + strings.Repeat("x", 1024*1024) + `"}`
	_, err := LoadDriverConfig(writeConfig(t, "driver.json", body))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "too large")
}

func TestLoadDriverConfig_CheckedInDefaults(t *testing.T) {
	cfg, err := LoadDriverConfig(filepath.Join("..", "..", DefaultConfigPath))
	require.NoError(t, err)
	assert.Equal(t, ModelG2, cfg.GetModel())
	assert.Equal(t, DefaultScanFrequencyHz, cfg.GetScanFrequencyHz())
}

func TestValidate_PointerHelpers(t *testing.T) {
	cfg := &DriverConfig{
		Model:           ptrString(ModelLD19),
		Owner:           ptrBool(true),
		BaudRate:        ptrInt(230400),
		ScanFrequencyHz: ptrFloat64(6),
	}
	require.NoError(t, cfg.Validate())

	cfg.BaudRate = ptrInt(0)
	assert.Error(t, cfg.Validate())
}
