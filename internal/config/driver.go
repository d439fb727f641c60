package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// DefaultConfigPath is the checked-in defaults file for the lidar driver.
const DefaultConfigPath = "config/driver.defaults.json"

// Supported sensor models.
const (
	ModelG2   = "g2"
	ModelLD19 = "ld19"
)

// Built-in defaults used by the Get* accessors when a field is unset.
const (
	DefaultModel                 = ModelG2
	DefaultPort                  = "/dev/ttyUSB0"
	DefaultBaudRate              = 230400
	DefaultSegmentName           = "cogip"
	DefaultScanFrequencyHz       = 12.0
	DefaultSampleRateK           = 5
	DefaultMaxDistance           = 65535
	DefaultResampleAbsThreshold  = 1000
	DefaultResampleLongThreshold = 30
	DefaultResampleWindow        = "10s"
	DefaultReadTimeout           = "1s"
	DefaultTimeoutRetries        = 1
)

// DriverConfig is the configuration of a lidar driver process. Every field is
// optional; omitted fields fall back to the defaults above, so partial files
// are safe. The same struct is read from JSON or TOML.
type DriverConfig struct {
	// Device
	Model    *string `json:"model,omitempty" toml:"model,omitempty"`
	Port     *string `json:"port,omitempty" toml:"port,omitempty"`
	BaudRate *int    `json:"baud_rate,omitempty" toml:"baud_rate,omitempty"`

	// Shared memory
	SegmentName *string `json:"segment_name,omitempty" toml:"segment_name,omitempty"`
	Owner       *bool   `json:"owner,omitempty" toml:"owner,omitempty"`
	ShmDir      *string `json:"shm_dir,omitempty" toml:"shm_dir,omitempty"`

	// Scanning
	ScanFrequencyHz *float64 `json:"scan_frequency_hz,omitempty" toml:"scan_frequency_hz,omitempty"`
	SampleRateK     *int     `json:"sample_rate_k,omitempty" toml:"sample_rate_k,omitempty"`
	ReadTimeout     *string  `json:"read_timeout,omitempty" toml:"read_timeout,omitempty"` // duration string like "1s"
	TimeoutRetries  *int     `json:"timeout_retries,omitempty" toml:"timeout_retries,omitempty"`

	// Filters
	MinIntensity    *float64 `json:"min_intensity,omitempty" toml:"min_intensity,omitempty"`
	MinDistance     *float64 `json:"min_distance,omitempty" toml:"min_distance,omitempty"`
	MaxDistance     *float64 `json:"max_distance,omitempty" toml:"max_distance,omitempty"`
	MinInvalidAngle *float64 `json:"min_invalid_angle,omitempty" toml:"min_invalid_angle,omitempty"`
	MaxInvalidAngle *float64 `json:"max_invalid_angle,omitempty" toml:"max_invalid_angle,omitempty"`

	// Resampling
	ResampleAbsThreshold  *int    `json:"resample_abs_threshold,omitempty" toml:"resample_abs_threshold,omitempty"`
	ResampleLongThreshold *int    `json:"resample_long_threshold,omitempty" toml:"resample_long_threshold,omitempty"`
	ResampleWindow        *string `json:"resample_window,omitempty" toml:"resample_window,omitempty"`

	// Converter
	LidarOffsetX      *float64 `json:"lidar_offset_x,omitempty" toml:"lidar_offset_x,omitempty"`
	LidarOffsetY      *float64 `json:"lidar_offset_y,omitempty" toml:"lidar_offset_y,omitempty"`
	TableLimitsMargin *float64 `json:"table_limits_margin,omitempty" toml:"table_limits_margin,omitempty"`
	PoseIndex         *int     `json:"pose_index,omitempty" toml:"pose_index,omitempty"`

	// Outer surfaces, all disabled when empty
	DatabasePath *string `json:"database_path,omitempty" toml:"database_path,omitempty"`
	CapturePath  *string `json:"capture_path,omitempty" toml:"capture_path,omitempty"`
	AdminListen  *string `json:"admin_listen,omitempty" toml:"admin_listen,omitempty"`
	GRPCListen   *string `json:"grpc_listen,omitempty" toml:"grpc_listen,omitempty"`
}

func ptrFloat64(v float64) *float64 { return &v }
func ptrBool(v bool) *bool          { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }

// EmptyDriverConfig returns a DriverConfig with every field unset.
func EmptyDriverConfig() *DriverConfig {
	return &DriverConfig{}
}

// LoadDriverConfig reads a DriverConfig from a .json or .toml file no larger
// than 1 MiB and validates it.
func LoadDriverConfig(path string) (*DriverConfig, error) {
	cleanPath := filepath.Clean(path)
	ext := strings.ToLower(filepath.Ext(cleanPath))
	if ext != ".json" && ext != ".toml" {
		return nil, fmt.Errorf("config file must have .json or .toml extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyDriverConfig()
	switch ext {
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config JSON: %w", err)
		}
	case ".toml":
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config TOML: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks the fields that are set.
func (c *DriverConfig) Validate() error {
	if c.Model != nil {
		switch *c.Model {
		case ModelG2, ModelLD19:
		default:
			return fmt.Errorf("model must be %q or %q, got %q", ModelG2, ModelLD19, *c.Model)
		}
	}
	if c.BaudRate != nil && *c.BaudRate <= 0 {
		return fmt.Errorf("baud_rate must be positive, got %d", *c.BaudRate)
	}
	if c.SegmentName != nil {
		name := strings.TrimPrefix(*c.SegmentName, "/")
		if name == "" || strings.Contains(name, "/") {
			return fmt.Errorf("segment_name must be a single path component, got %q", *c.SegmentName)
		}
	}
	if c.ScanFrequencyHz != nil && *c.ScanFrequencyHz <= 0 {
		return fmt.Errorf("scan_frequency_hz must be positive, got %f", *c.ScanFrequencyHz)
	}
	if c.SampleRateK != nil && *c.SampleRateK <= 0 {
		return fmt.Errorf("sample_rate_k must be positive, got %d", *c.SampleRateK)
	}
	if c.TimeoutRetries != nil && *c.TimeoutRetries < 0 {
		return fmt.Errorf("timeout_retries must be >= 0, got %d", *c.TimeoutRetries)
	}
	if c.MinDistance != nil && c.MaxDistance != nil && *c.MinDistance > *c.MaxDistance {
		return fmt.Errorf("min_distance (%f) must not exceed max_distance (%f)", *c.MinDistance, *c.MaxDistance)
	}
	if c.ResampleAbsThreshold != nil && *c.ResampleAbsThreshold <= 0 {
		return fmt.Errorf("resample_abs_threshold must be positive, got %d", *c.ResampleAbsThreshold)
	}
	if c.ResampleLongThreshold != nil && *c.ResampleLongThreshold <= 0 {
		return fmt.Errorf("resample_long_threshold must be positive, got %d", *c.ResampleLongThreshold)
	}
	for name, v := range map[string]*string{"read_timeout": c.ReadTimeout, "resample_window": c.ResampleWindow} {
		if v == nil || *v == "" {
			continue
		}
		d, err := time.ParseDuration(*v)
		if err != nil {
			return fmt.Errorf("invalid %s '%s': %w", name, *v, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, *v)
		}
	}
	if c.PoseIndex != nil && *c.PoseIndex < 0 {
		return fmt.Errorf("pose_index must be >= 0, got %d", *c.PoseIndex)
	}
	return nil
}

func (c *DriverConfig) GetModel() string {
	if c.Model == nil {
		return DefaultModel
	}
	return *c.Model
}

func (c *DriverConfig) GetPort() string {
	if c.Port == nil || *c.Port == "" {
		return DefaultPort
	}
	return *c.Port
}

func (c *DriverConfig) GetBaudRate() int {
	if c.BaudRate == nil {
		return DefaultBaudRate
	}
	return *c.BaudRate
}

// GetSegmentName returns the segment name without a leading slash.
func (c *DriverConfig) GetSegmentName() string {
	if c.SegmentName == nil {
		return DefaultSegmentName
	}
	return strings.TrimPrefix(*c.SegmentName, "/")
}

func (c *DriverConfig) GetOwner() bool {
	return c.Owner != nil && *c.Owner
}

// GetShmDir returns the directory backing the shared memory namespace, empty
// meaning the system default.
func (c *DriverConfig) GetShmDir() string {
	if c.ShmDir == nil {
		return ""
	}
	return *c.ShmDir
}

func (c *DriverConfig) GetScanFrequencyHz() float64 {
	if c.ScanFrequencyHz == nil {
		return DefaultScanFrequencyHz
	}
	return *c.ScanFrequencyHz
}

func (c *DriverConfig) GetSampleRateK() int {
	if c.SampleRateK == nil {
		return DefaultSampleRateK
	}
	return *c.SampleRateK
}

func (c *DriverConfig) GetReadTimeout() time.Duration {
	return parseDurationOr(c.ReadTimeout, DefaultReadTimeout)
}

func (c *DriverConfig) GetTimeoutRetries() int {
	if c.TimeoutRetries == nil {
		return DefaultTimeoutRetries
	}
	return *c.TimeoutRetries
}

func (c *DriverConfig) GetMinIntensity() float64      { return float64OrZero(c.MinIntensity) }
func (c *DriverConfig) GetMinDistance() float64       { return float64OrZero(c.MinDistance) }
func (c *DriverConfig) GetMinInvalidAngle() float64   { return float64OrZero(c.MinInvalidAngle) }
func (c *DriverConfig) GetMaxInvalidAngle() float64   { return float64OrZero(c.MaxInvalidAngle) }
func (c *DriverConfig) GetLidarOffsetX() float64      { return float64OrZero(c.LidarOffsetX) }
func (c *DriverConfig) GetLidarOffsetY() float64      { return float64OrZero(c.LidarOffsetY) }
func (c *DriverConfig) GetTableLimitsMargin() float64 { return float64OrZero(c.TableLimitsMargin) }

func (c *DriverConfig) GetMaxDistance() float64 {
	if c.MaxDistance == nil {
		return DefaultMaxDistance
	}
	return *c.MaxDistance
}

func (c *DriverConfig) GetResampleAbsThreshold() int {
	if c.ResampleAbsThreshold == nil {
		return DefaultResampleAbsThreshold
	}
	return *c.ResampleAbsThreshold
}

func (c *DriverConfig) GetResampleLongThreshold() int {
	if c.ResampleLongThreshold == nil {
		return DefaultResampleLongThreshold
	}
	return *c.ResampleLongThreshold
}

func (c *DriverConfig) GetResampleWindow() time.Duration {
	return parseDurationOr(c.ResampleWindow, DefaultResampleWindow)
}

func (c *DriverConfig) GetPoseIndex() int {
	if c.PoseIndex == nil {
		return 0
	}
	return *c.PoseIndex
}

func (c *DriverConfig) GetDatabasePath() string { return stringOrEmpty(c.DatabasePath) }
func (c *DriverConfig) GetCapturePath() string  { return stringOrEmpty(c.CapturePath) }
func (c *DriverConfig) GetAdminListen() string  { return stringOrEmpty(c.AdminListen) }
func (c *DriverConfig) GetGRPCListen() string   { return stringOrEmpty(c.GRPCListen) }

func float64OrZero(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}

func stringOrEmpty(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}

func parseDurationOr(v *string, fallback string) time.Duration {
	s := fallback
	if v != nil && *v != "" {
		s = *v
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		d, _ = time.ParseDuration(fallback)
	}
	return d
}
