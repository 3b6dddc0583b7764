package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/docker/go-units"
	"github.com/ethpandaops/sweepoor/pkg/sweep"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

const (
	// EnvPrefix is the prefix for environment variable overrides, e.g.
	// SWEEPOOR_MONITOR_POLL_INTERVAL=30s.
	EnvPrefix = "SWEEPOOR"

	// DefaultLogLevel is the default logging level.
	DefaultLogLevel = "info"

	// DefaultStructureFile is the structure description read by the input generator.
	DefaultStructureFile = "POSCAR"

	// DefaultBucket is the default object-store bucket for inputs and outputs.
	DefaultBucket = "vasp-scaling-outputs"

	// DefaultConcurrency bounds parallel staging, submission and collection.
	DefaultConcurrency = 4

	// DefaultPollInterval is the default monitor poll interval.
	DefaultPollInterval = 60 * time.Second

	// DefaultMonitorTimeout is the default global monitoring deadline.
	DefaultMonitorTimeout = 24 * time.Hour

	// DefaultImage is the default simulation container image.
	DefaultImage = "us-central1-docker.pkg.dev/vasp-scaling-analysis/vasp-repo/vasp-pymatgen:latest"

	// DefaultAPIListen is the default listen address of the serve command.
	DefaultAPIListen = ":8080"
)

// Supported backend names.
const (
	BatchBackendAWS   = "aws"
	BatchBackendLocal = "local"

	RuntimeDocker = "docker"
	RuntimePodman = "podman"

	DatabaseSQLite   = "sqlite"
	DatabasePostgres = "postgres"
)

// Config is the root configuration for sweepoor.
type Config struct {
	Global   GlobalConfig              `yaml:"global" mapstructure:"global"`
	Sweep    SweepConfig               `yaml:"sweep" mapstructure:"sweep"`
	Profiles map[string]MachineProfile `yaml:"profiles" mapstructure:"profiles"`
	Storage  StorageConfig             `yaml:"storage" mapstructure:"storage"`
	Batch    BatchConfig               `yaml:"batch" mapstructure:"batch"`
	Monitor  MonitorConfig             `yaml:"monitor" mapstructure:"monitor"`
	Report   ReportConfig              `yaml:"report" mapstructure:"report"`
	Database DatabaseConfig            `yaml:"database" mapstructure:"database"`
	API      APIConfig                 `yaml:"api" mapstructure:"api"`
}

// GlobalConfig contains global application settings.
type GlobalConfig struct {
	LogLevel      string `yaml:"log_level" mapstructure:"log_level"`
	SweepIDPrefix string `yaml:"sweep_id_prefix,omitempty" mapstructure:"sweep_id_prefix"`
}

// SweepConfig defines the sweep axes and the orchestration limits.
type SweepConfig struct {
	Structure       string               `yaml:"structure" mapstructure:"structure"`
	KPoints         []sweep.KPointConfig `yaml:"kpoints" mapstructure:"kpoints"`
	Functionals     []string             `yaml:"functionals" mapstructure:"functionals"`
	Devices         []string             `yaml:"devices" mapstructure:"devices"`
	Nodes           []int                `yaml:"nodes" mapstructure:"nodes"`
	Concurrency     int                  `yaml:"concurrency" mapstructure:"concurrency"`
	ComparisonNodes int                  `yaml:"comparison_nodes" mapstructure:"comparison_nodes"`
	IncarOverrides  map[string]string    `yaml:"incar_overrides,omitempty" mapstructure:"incar_overrides"`
	Labels          map[string]string    `yaml:"labels,omitempty" mapstructure:"labels"`
}

// MachineProfile is the resource shape a device class is scheduled with.
type MachineProfile struct {
	MachineType      string   `yaml:"machine_type" mapstructure:"machine_type"`
	VCPUs            int      `yaml:"vcpus" mapstructure:"vcpus"`
	Memory           string   `yaml:"memory" mapstructure:"memory"`
	AcceleratorType  string   `yaml:"accelerator_type,omitempty" mapstructure:"accelerator_type"`
	AcceleratorCount int      `yaml:"accelerator_count,omitempty" mapstructure:"accelerator_count"`
	TasksPerNode     int      `yaml:"tasks_per_node" mapstructure:"tasks_per_node"`
	Command          []string `yaml:"command" mapstructure:"command"`
}

// MemoryBytes parses the human readable memory size (e.g. "16GiB").
func (p MachineProfile) MemoryBytes() (int64, error) {
	return units.RAMInBytes(p.Memory)
}

// StorageConfig selects the object store holding inputs and outputs.
// Exactly one backend must be enabled.
type StorageConfig struct {
	Bucket string              `yaml:"bucket" mapstructure:"bucket"`
	S3     *S3Config           `yaml:"s3,omitempty" mapstructure:"s3"`
	MinIO  *MinIOConfig        `yaml:"minio,omitempty" mapstructure:"minio"`
	Local  *LocalStorageConfig `yaml:"local,omitempty" mapstructure:"local"`
}

// S3Config contains settings for S3-compatible storage.
type S3Config struct {
	Enabled         bool   `yaml:"enabled" mapstructure:"enabled"`
	EndpointURL     string `yaml:"endpoint_url,omitempty" mapstructure:"endpoint_url"`
	Region          string `yaml:"region,omitempty" mapstructure:"region"`
	AccessKeyID     string `yaml:"access_key_id,omitempty" mapstructure:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key,omitempty" mapstructure:"secret_access_key"`
	ForcePathStyle  bool   `yaml:"force_path_style" mapstructure:"force_path_style"`
}

// MinIOConfig contains settings for a MinIO server.
type MinIOConfig struct {
	Enabled   bool   `yaml:"enabled" mapstructure:"enabled"`
	Endpoint  string `yaml:"endpoint" mapstructure:"endpoint"`
	AccessKey string `yaml:"access_key" mapstructure:"access_key"`
	SecretKey string `yaml:"secret_key" mapstructure:"secret_key"`
	Region    string `yaml:"region,omitempty" mapstructure:"region"`
	UseSSL    bool   `yaml:"use_ssl" mapstructure:"use_ssl"`
}

// LocalStorageConfig stores objects below a local directory. The bucket
// becomes the first path component.
type LocalStorageConfig struct {
	Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
	BaseDir string `yaml:"base_dir" mapstructure:"base_dir"`
}

// BatchConfig selects and configures the batch compute backend.
type BatchConfig struct {
	Backend       string            `yaml:"backend" mapstructure:"backend"`
	Image         string            `yaml:"image" mapstructure:"image"`
	MaxRetryCount int               `yaml:"max_retry_count" mapstructure:"max_retry_count"`
	AWS           *AWSBatchConfig   `yaml:"aws,omitempty" mapstructure:"aws"`
	Local         *LocalBatchConfig `yaml:"local,omitempty" mapstructure:"local"`
	Submit        SubmitConfig      `yaml:"submit" mapstructure:"submit"`
}

// AWSBatchConfig contains AWS Batch settings.
type AWSBatchConfig struct {
	Region          string `yaml:"region,omitempty" mapstructure:"region"`
	EndpointURL     string `yaml:"endpoint_url,omitempty" mapstructure:"endpoint_url"`
	JobQueue        string `yaml:"job_queue" mapstructure:"job_queue"`
	JobDefinition   string `yaml:"job_definition" mapstructure:"job_definition"`
	AccessKeyID     string `yaml:"access_key_id,omitempty" mapstructure:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key,omitempty" mapstructure:"secret_access_key"`
}

// LocalBatchConfig runs jobs as containers on the local host.
type LocalBatchConfig struct {
	Runtime    string `yaml:"runtime" mapstructure:"runtime"`
	PullPolicy string `yaml:"pull_policy" mapstructure:"pull_policy"`
	Network    string `yaml:"network,omitempty" mapstructure:"network"`
}

// SubmitConfig controls submission retries and rate limiting.
type SubmitConfig struct {
	MaxAttempts   int           `yaml:"max_attempts" mapstructure:"max_attempts"`
	BaseDelay     time.Duration `yaml:"base_delay" mapstructure:"base_delay"`
	Factor        float64       `yaml:"factor" mapstructure:"factor"`
	MaxDelay      time.Duration `yaml:"max_delay" mapstructure:"max_delay"`
	RatePerSecond float64       `yaml:"rate_per_second" mapstructure:"rate_per_second"`
}

// MonitorConfig controls job polling.
type MonitorConfig struct {
	PollInterval time.Duration `yaml:"poll_interval" mapstructure:"poll_interval"`
	Timeout      time.Duration `yaml:"timeout" mapstructure:"timeout"`
}

// ReportConfig names the output files of a sweep.
type ReportConfig struct {
	ScalingPlot    string `yaml:"scaling_plot" mapstructure:"scaling_plot"`
	ComparisonPlot string `yaml:"comparison_plot" mapstructure:"comparison_plot"`
	Summary        string `yaml:"summary" mapstructure:"summary"`
}

// DatabaseConfig configures the sweep ledger database.
type DatabaseConfig struct {
	Driver   string                 `yaml:"driver" mapstructure:"driver"`
	SQLite   SQLiteDatabaseConfig   `yaml:"sqlite,omitempty" mapstructure:"sqlite"`
	Postgres PostgresDatabaseConfig `yaml:"postgres,omitempty" mapstructure:"postgres"`
}

// SQLiteDatabaseConfig contains SQLite settings.
type SQLiteDatabaseConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// PostgresDatabaseConfig contains PostgreSQL settings.
type PostgresDatabaseConfig struct {
	Host     string `yaml:"host" mapstructure:"host"`
	Port     int    `yaml:"port" mapstructure:"port"`
	User     string `yaml:"user" mapstructure:"user"`
	Password string `yaml:"password" mapstructure:"password"`
	Database string `yaml:"database" mapstructure:"database"`
	SSLMode  string `yaml:"sslmode" mapstructure:"sslmode"`
}

// Load reads the configuration file at path, applies environment overrides
// and defaults. It does not validate; call Validate before use.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyDefaults()

	return &cfg, nil
}

// applyDefaults sets default values for unspecified configuration options.
func (c *Config) applyDefaults() {
	if c.Global.LogLevel == "" {
		c.Global.LogLevel = DefaultLogLevel
	}

	if c.Global.SweepIDPrefix == "" {
		c.Global.SweepIDPrefix = "sweep"
	}

	c.Sweep.applyDefaults()

	if c.Profiles == nil {
		c.Profiles = DefaultProfiles()
	}

	if c.Storage.Bucket == "" {
		c.Storage.Bucket = DefaultBucket
	}

	if c.Batch.Backend == "" {
		c.Batch.Backend = BatchBackendAWS
	}

	if c.Batch.Image == "" {
		c.Batch.Image = DefaultImage
	}

	if c.Batch.MaxRetryCount == 0 {
		c.Batch.MaxRetryCount = 3
	}

	if c.Batch.Local != nil {
		if c.Batch.Local.Runtime == "" {
			c.Batch.Local.Runtime = RuntimeDocker
		}

		if c.Batch.Local.PullPolicy == "" {
			c.Batch.Local.PullPolicy = "if-not-present"
		}
	}

	c.Batch.Submit.applyDefaults()

	if c.Monitor.PollInterval == 0 {
		c.Monitor.PollInterval = DefaultPollInterval
	}

	if c.Monitor.Timeout == 0 {
		c.Monitor.Timeout = DefaultMonitorTimeout
	}

	if c.Report.ScalingPlot == "" {
		c.Report.ScalingPlot = "figure_a.png"
	}

	if c.Report.ComparisonPlot == "" {
		c.Report.ComparisonPlot = "figure_b.png"
	}

	if c.Report.Summary == "" {
		c.Report.Summary = "summary.md"
	}

	if c.Database.Driver == "" {
		c.Database.Driver = DatabaseSQLite
	}

	if c.Database.Driver == DatabaseSQLite && c.Database.SQLite.Path == "" {
		c.Database.SQLite.Path = "sweepoor.db"
	}

	if c.API.Listen == "" {
		c.API.Listen = DefaultAPIListen
	}
}

func (s *SweepConfig) applyDefaults() {
	if s.Structure == "" {
		s.Structure = DefaultStructureFile
	}

	if len(s.KPoints) == 0 {
		s.KPoints = []sweep.KPointConfig{
			{Name: "2x2x6", Grid: [3]int{2, 2, 6}, Count: 16},
			{Name: "3x3x9", Grid: [3]int{3, 3, 9}, Count: 72},
			{Name: "4x4x12", Grid: [3]int{4, 4, 12}, Count: 100},
		}
	}

	if len(s.Functionals) == 0 {
		s.Functionals = []string{string(sweep.FunctionalPBE), string(sweep.FunctionalHSE06)}
	}

	if len(s.Devices) == 0 {
		s.Devices = []string{string(sweep.DeviceCPU)}
	}

	if len(s.Nodes) == 0 {
		s.Nodes = []int{1, 2}
	}

	if s.Concurrency <= 0 {
		s.Concurrency = DefaultConcurrency
	}

	if s.ComparisonNodes <= 0 {
		s.ComparisonNodes = 1
	}
}

func (s *SubmitConfig) applyDefaults() {
	if s.MaxAttempts <= 0 {
		s.MaxAttempts = 5
	}

	if s.BaseDelay <= 0 {
		s.BaseDelay = time.Second
	}

	if s.Factor < 1 {
		s.Factor = 2
	}

	if s.MaxDelay <= 0 {
		s.MaxDelay = 30 * time.Second
	}

	if s.RatePerSecond <= 0 {
		s.RatePerSecond = 2
	}
}

// DefaultProfiles returns the machine shapes used when none are configured.
func DefaultProfiles() map[string]MachineProfile {
	return map[string]MachineProfile{
		"cpu": {
			MachineType:  "n2-standard-4",
			VCPUs:        4,
			Memory:       "16GiB",
			TasksPerNode: 40,
			Command:      []string{"/usr/local/vasp/bin/vasp_std"},
		},
		"gpu": {
			MachineType:      "a2-highgpu-1g",
			VCPUs:            12,
			Memory:           "85GiB",
			AcceleratorType:  "nvidia-tesla-a100",
			AcceleratorCount: 1,
			TasksPerNode:     4,
			Command:          []string{"/usr/local/vasp/bin/vasp_gpu"},
		},
	}
}

// Axes converts the sweep section into matrix axes.
func (c *Config) Axes() (sweep.Axes, error) {
	axes := sweep.Axes{
		KPoints: c.Sweep.KPoints,
		Nodes:   c.Sweep.Nodes,
	}

	for _, f := range c.Sweep.Functionals {
		parsed, err := sweep.ParseFunctional(f)
		if err != nil {
			return sweep.Axes{}, err
		}

		axes.Functionals = append(axes.Functionals, parsed)
	}

	for _, d := range c.Sweep.Devices {
		parsed, err := sweep.ParseDevice(d)
		if err != nil {
			return sweep.Axes{}, err
		}

		axes.Devices = append(axes.Devices, parsed)
	}

	return axes, nil
}

// Profile returns the machine profile for a device.
func (c *Config) Profile(d sweep.Device) (MachineProfile, bool) {
	p, ok := c.Profiles[strings.ToLower(string(d))]

	return p, ok
}

// Validate checks the configuration. Every error wraps
// sweep.ErrInvalidConfiguration.
func (c *Config) Validate() error {
	if err := c.validate(); err != nil {
		if errors.Is(err, sweep.ErrInvalidConfiguration) {
			return err
		}

		return fmt.Errorf("%w: %w", sweep.ErrInvalidConfiguration, err)
	}

	return nil
}

func (c *Config) validate() error {
	axes, err := c.Axes()
	if err != nil {
		return err
	}

	if _, err := sweep.BuildMatrix(axes); err != nil {
		return err
	}

	if _, err := os.Stat(c.Sweep.Structure); err != nil {
		return fmt.Errorf("structure file %q: %w", c.Sweep.Structure, err)
	}

	for _, d := range axes.Devices {
		p, ok := c.Profile(d)
		if !ok {
			return fmt.Errorf("no machine profile configured for device %s", d)
		}

		if err := p.validate(); err != nil {
			return fmt.Errorf("profile %s: %w", strings.ToLower(string(d)), err)
		}
	}

	if err := c.Storage.validate(); err != nil {
		return err
	}

	if err := c.Batch.validate(); err != nil {
		return err
	}

	if c.Monitor.PollInterval <= 0 {
		return errors.New("monitor.poll_interval must be positive")
	}

	if c.Monitor.Timeout <= 0 {
		return errors.New("monitor.timeout must be positive")
	}

	switch c.Database.Driver {
	case DatabaseSQLite, DatabasePostgres:
	default:
		return fmt.Errorf("unsupported database driver: %s", c.Database.Driver)
	}

	return nil
}

func (p MachineProfile) validate() error {
	if p.VCPUs <= 0 {
		return errors.New("vcpus must be positive")
	}

	if _, err := p.MemoryBytes(); err != nil {
		return fmt.Errorf("invalid memory %q: %w", p.Memory, err)
	}

	if p.AcceleratorCount < 0 {
		return errors.New("accelerator_count must not be negative")
	}

	if len(p.Command) == 0 {
		return errors.New("command is required")
	}

	return nil
}

func (s StorageConfig) validate() error {
	if s.Bucket == "" {
		return errors.New("storage.bucket is required")
	}

	enabled := 0

	if s.S3 != nil && s.S3.Enabled {
		enabled++
	}

	if s.MinIO != nil && s.MinIO.Enabled {
		enabled++

		if s.MinIO.Endpoint == "" {
			return errors.New("storage.minio.endpoint is required")
		}

		if strings.Contains(s.MinIO.Endpoint, "://") {
			return errors.New("storage.minio.endpoint must be host:port without scheme")
		}
	}

	if s.Local != nil && s.Local.Enabled {
		enabled++

		if s.Local.BaseDir == "" {
			return errors.New("storage.local.base_dir is required")
		}
	}

	if enabled != 1 {
		return fmt.Errorf("exactly one storage backend must be enabled, got %d", enabled)
	}

	return nil
}

func (b BatchConfig) validate() error {
	if b.Image == "" {
		return errors.New("batch.image is required")
	}

	switch b.Backend {
	case BatchBackendAWS:
		if b.AWS == nil || b.AWS.JobQueue == "" || b.AWS.JobDefinition == "" {
			return errors.New("batch.aws.job_queue and batch.aws.job_definition are required")
		}
	case BatchBackendLocal:
		if b.Local == nil {
			return errors.New("batch.local section is required for the local backend")
		}

		if b.Local.Runtime != RuntimeDocker && b.Local.Runtime != RuntimePodman {
			return fmt.Errorf("unsupported container runtime: %s", b.Local.Runtime)
		}
	default:
		return fmt.Errorf("unsupported batch backend: %s", b.Backend)
	}

	return nil
}
