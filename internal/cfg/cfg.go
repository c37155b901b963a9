// Package cfg represents a structure of app config.
package cfg

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ErrInvalid is returned when the loaded configuration can not be used.
var ErrInvalid = errors.New("invalid configuration")

// envPrefix is the prefix of all environment overrides.
const envPrefix = "CRUNCH_"

// Config represents the app configuration.
// It is built once at startup and only read afterwards.
type Config struct {
	OnlyView  bool `yaml:"only_view"`
	IsModeEra bool `yaml:"is_mode_era"`
	IsDebug   bool `yaml:"is_debug"`

	RpcURI            string `yaml:"rpc_uri"`
	StartBlock        uint64 `yaml:"start_block"`
	ScanWindow        uint64 `yaml:"scan_window"`
	ViewBlocks        uint64 `yaml:"view_blocks"`
	Contract          string `yaml:"contract"`
	RequestsPerSecond int    `yaml:"requests_per_second"`

	// ScanContract is the decoded form of Contract.
	ScanContract common.Address `yaml:"-"`

	AwsRegion   string `yaml:"aws_region"`
	AwsS3Bucket string `yaml:"aws_s3_bucket"`
	ReportDir   string `yaml:"report_dir"`

	MetricsAddr string `yaml:"metrics_addr"`

	Supervisor Supervisor `yaml:"supervisor"`
	Log        Log        `yaml:"log"`
}

// Supervisor holds the timing of the supervised shutdown path.
type Supervisor struct {
	CancelDelay   time.Duration `yaml:"cancel_delay"`
	SafetyTimeout time.Duration `yaml:"safety_timeout"`
	DrainTimeout  time.Duration `yaml:"drain_timeout"`
}

// Log holds the logging output setup.
type Log struct {
	Output string `yaml:"output"`
	MaxAge int    `yaml:"max_age"`
}

// Default provides the built-in configuration.
func Default() Config {
	return Config{
		RpcURI:            "https://rpcapi.fantom.network",
		ScanWindow:        5,
		ViewBlocks:        100,
		Contract:          "0x0000000000000000000000000000000000000000",
		RequestsPerSecond: 20,
		AwsRegion:         "eu-central-1",
		ReportDir:         ".",
		Supervisor: Supervisor{
			CancelDelay:   10 * time.Millisecond,
			SafetyTimeout: 9999 * time.Second,
			DrainTimeout:  30 * time.Second,
		},
	}
}

// Load builds the app configuration from defaults, the optional YAML file at path,
// the environment and finally the given overrides (usually the command line flags).
func Load(path string, overrides func(*Config)) (*Config, error) {
	// a missing .env file is not a problem
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to load .env file: %w", err)
	}

	con := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &con); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := applyEnv(&con, os.Getenv); err != nil {
		return nil, err
	}
	if overrides != nil {
		overrides(&con)
	}

	if err := con.Validate(); err != nil {
		return nil, err
	}

	// decode contract address
	con.ScanContract = common.HexToAddress(con.Contract)
	return &con, nil
}

// applyEnv overrides configuration values from CRUNCH_* environment variables.
func applyEnv(con *Config, getenv func(string) string) error {
	bools := map[string]*bool{
		"ONLY_VIEW":   &con.OnlyView,
		"IS_MODE_ERA": &con.IsModeEra,
		"IS_DEBUG":    &con.IsDebug,
	}
	for key, dst := range bools {
		v := strings.TrimSpace(getenv(envPrefix + key))
		if v == "" {
			continue
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%w: %s%s=%q is not a boolean", ErrInvalid, envPrefix, key, v)
		}
		*dst = b
	}

	strs := map[string]*string{
		"RPC_URI":      &con.RpcURI,
		"CONTRACT":     &con.Contract,
		"S3_BUCKET":    &con.AwsS3Bucket,
		"REPORT_DIR":   &con.ReportDir,
		"METRICS_ADDR": &con.MetricsAddr,
		"LOG_OUTPUT":   &con.Log.Output,
	}
	for key, dst := range strs {
		if v := strings.TrimSpace(getenv(envPrefix + key)); v != "" {
			*dst = v
		}
	}
	if v := strings.TrimSpace(getenv("AWS_REGION")); v != "" {
		con.AwsRegion = v
	}

	if v := strings.TrimSpace(getenv(envPrefix + "START_BLOCK")); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return fmt.Errorf("%w: %sSTART_BLOCK=%q is not a block number", ErrInvalid, envPrefix, v)
		}
		con.StartBlock = n
	}

	durations := map[string]*time.Duration{
		"CANCEL_DELAY":   &con.Supervisor.CancelDelay,
		"SAFETY_TIMEOUT": &con.Supervisor.SafetyTimeout,
		"DRAIN_TIMEOUT":  &con.Supervisor.DrainTimeout,
	}
	for key, dst := range durations {
		v := strings.TrimSpace(getenv(envPrefix + key))
		if v == "" {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%w: %s%s=%q is not a duration", ErrInvalid, envPrefix, key, v)
		}
		*dst = d
	}
	return nil
}

// Validate checks the configuration consistency.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.RpcURI) == "" {
		return fmt.Errorf("%w: rpc_uri is required", ErrInvalid)
	}
	if c.ScanWindow == 0 {
		return fmt.Errorf("%w: scan_window must be greater than 0", ErrInvalid)
	}
	if c.RequestsPerSecond <= 0 {
		return fmt.Errorf("%w: requests_per_second must be greater than 0", ErrInvalid)
	}
	// head subscriptions need a streaming transport
	if c.IsModeEra && !c.OnlyView && !subscribable(c.RpcURI) {
		return fmt.Errorf("%w: rpc_uri %q does not support subscriptions, use ws(s):// or an IPC path", ErrInvalid, c.RpcURI)
	}
	if c.Contract != "" && !common.IsHexAddress(c.Contract) {
		return fmt.Errorf("%w: contract %q is not a valid address", ErrInvalid, c.Contract)
	}
	if c.Supervisor.CancelDelay < 0 {
		return fmt.Errorf("%w: supervisor.cancel_delay must not be negative", ErrInvalid)
	}
	if c.Supervisor.SafetyTimeout <= 0 {
		return fmt.Errorf("%w: supervisor.safety_timeout must be greater than 0", ErrInvalid)
	}
	if c.Supervisor.DrainTimeout < 0 {
		return fmt.Errorf("%w: supervisor.drain_timeout must not be negative", ErrInvalid)
	}
	return nil
}

// subscribable reports whether the RPC endpoint can push notifications.
func subscribable(uri string) bool {
	u := strings.ToLower(strings.TrimSpace(uri))
	return !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://")
}
