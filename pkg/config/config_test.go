package config

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethpandaops/sweepoor/pkg/sweep"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testConfig = `
global:
  log_level: info
sweep:
  structure: %s
  kpoints:
    - name: 2x2x6
      grid: [2, 2, 6]
      count: 16
  functionals: [PBE, HSE06]
  devices: [CPU]
  nodes: [1, 2]
storage:
  bucket: test-bucket
  local:
    enabled: true
    base_dir: %s
batch:
  backend: local
  image: vasp:test
  local:
    runtime: docker
monitor:
  poll_interval: 10s
  timeout: 2h
`

func writeConfig(t *testing.T) string {
	t.Helper()

	tmpDir := t.TempDir()
	structure := filepath.Join(tmpDir, "POSCAR")
	require.NoError(t, os.WriteFile(structure, []byte("Si\n"), 0o644))

	content := []byte(fmt.Sprintf(testConfig, structure, filepath.Join(tmpDir, "store")))
	configPath := filepath.Join(tmpDir, "config.yaml")
	require.NoError(t, os.WriteFile(configPath, content, 0o644))

	return configPath
}

func TestLoad_EnvVarOverrides(t *testing.T) {
	configPath := writeConfig(t)

	tests := []struct {
		name     string
		envVars  map[string]string
		validate func(t *testing.T, cfg *Config)
	}{
		{
			name:    "no env vars uses yaml values",
			envVars: map[string]string{},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "info", cfg.Global.LogLevel)
				assert.Equal(t, "test-bucket", cfg.Storage.Bucket)
				assert.Equal(t, 10*time.Second, cfg.Monitor.PollInterval)
				assert.Equal(t, 2*time.Hour, cfg.Monitor.Timeout)
				assert.Equal(t, [3]int{2, 2, 6}, cfg.Sweep.KPoints[0].Grid)
			},
		},
		{
			name: "string override - log_level",
			envVars: map[string]string{
				"SWEEPOOR_GLOBAL_LOG_LEVEL": "debug",
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "debug", cfg.Global.LogLevel)
			},
		},
		{
			name: "duration override - poll_interval",
			envVars: map[string]string{
				"SWEEPOOR_MONITOR_POLL_INTERVAL": "30s",
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, 30*time.Second, cfg.Monitor.PollInterval)
			},
		},
		{
			name: "slice override - functionals",
			envVars: map[string]string{
				"SWEEPOOR_SWEEP_FUNCTIONALS": "HSE06",
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, []string{"HSE06"}, cfg.Sweep.Functionals)
			},
		},
		{
			name: "nested override - storage bucket",
			envVars: map[string]string{
				"SWEEPOOR_STORAGE_BUCKET": "other-bucket",
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "other-bucket", cfg.Storage.Bucket)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for key, value := range tt.envVars {
				t.Setenv(key, value)
			}

			cfg, err := Load(configPath)
			require.NoError(t, err)
			tt.validate(t, cfg)
		})
	}
}

func TestLoad_DefaultsAppliedWhenEmpty(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("global: {}\n"), 0o644))

	cfg, err := Load(configPath)
	require.NoError(t, err)

	assert.Equal(t, DefaultLogLevel, cfg.Global.LogLevel)
	assert.Equal(t, DefaultStructureFile, cfg.Sweep.Structure)
	assert.Len(t, cfg.Sweep.KPoints, 3)
	assert.Equal(t, []string{"PBE", "HSE06"}, cfg.Sweep.Functionals)
	assert.Equal(t, []string{"CPU"}, cfg.Sweep.Devices)
	assert.Equal(t, []int{1, 2}, cfg.Sweep.Nodes)
	assert.Equal(t, 1, cfg.Sweep.ComparisonNodes)
	assert.Equal(t, DefaultBucket, cfg.Storage.Bucket)
	assert.Equal(t, 3, cfg.Batch.MaxRetryCount)
	assert.Equal(t, 5, cfg.Batch.Submit.MaxAttempts)
	assert.Equal(t, time.Second, cfg.Batch.Submit.BaseDelay)
	assert.InDelta(t, 2.0, cfg.Batch.Submit.Factor, 0)
	assert.Equal(t, DefaultPollInterval, cfg.Monitor.PollInterval)
	assert.Equal(t, "figure_a.png", cfg.Report.ScalingPlot)
	assert.Equal(t, "figure_b.png", cfg.Report.ComparisonPlot)
	assert.Equal(t, DatabaseSQLite, cfg.Database.Driver)
	assert.Contains(t, cfg.Profiles, "cpu")
	assert.Contains(t, cfg.Profiles, "gpu")
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	require.Error(t, err)
}

func TestLoad_InvalidYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("sweep: [unclosed"), 0o644))

	_, err := Load(configPath)
	require.Error(t, err)
}

func TestConfig_Axes(t *testing.T) {
	cfg, err := Load(writeConfig(t))
	require.NoError(t, err)

	axes, err := cfg.Axes()
	require.NoError(t, err)

	assert.Equal(t, []sweep.Functional{sweep.FunctionalPBE, sweep.FunctionalHSE06}, axes.Functionals)
	assert.Equal(t, []sweep.Device{sweep.DeviceCPU}, axes.Devices)
	assert.Equal(t, 4, axes.Size())
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(cfg *Config)
		wantErr string
	}{
		{
			name:   "valid",
			mutate: func(_ *Config) {},
		},
		{
			name:    "unknown functional",
			mutate:  func(cfg *Config) { cfg.Sweep.Functionals = []string{"LDA"} },
			wantErr: "unknown functional",
		},
		{
			name:    "empty nodes",
			mutate:  func(cfg *Config) { cfg.Sweep.Nodes = []int{} },
			wantErr: "nodes",
		},
		{
			name:    "missing structure",
			mutate:  func(cfg *Config) { cfg.Sweep.Structure = "/nonexistent/POSCAR" },
			wantErr: "structure file",
		},
		{
			name:    "missing profile",
			mutate:  func(cfg *Config) { delete(cfg.Profiles, "cpu") },
			wantErr: "no machine profile",
		},
		{
			name: "bad memory",
			mutate: func(cfg *Config) {
				p := cfg.Profiles["cpu"]
				p.Memory = "lots"
				cfg.Profiles["cpu"] = p
			},
			wantErr: "invalid memory",
		},
		{
			name: "two storage backends",
			mutate: func(cfg *Config) {
				cfg.Storage.S3 = &S3Config{Enabled: true}
			},
			wantErr: "exactly one storage backend",
		},
		{
			name: "minio endpoint with scheme",
			mutate: func(cfg *Config) {
				cfg.Storage.Local = nil
				cfg.Storage.MinIO = &MinIOConfig{Enabled: true, Endpoint: "http://localhost:9000"}
			},
			wantErr: "without scheme",
		},
		{
			name:    "unknown batch backend",
			mutate:  func(cfg *Config) { cfg.Batch.Backend = "slurm" },
			wantErr: "unsupported batch backend",
		},
		{
			name: "aws without queue",
			mutate: func(cfg *Config) {
				cfg.Batch.Backend = BatchBackendAWS
				cfg.Batch.AWS = &AWSBatchConfig{JobDefinition: "vasp"}
			},
			wantErr: "job_queue",
		},
		{
			name:    "zero timeout",
			mutate:  func(cfg *Config) { cfg.Monitor.Timeout = -time.Second },
			wantErr: "monitor.timeout",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(writeConfig(t))
			require.NoError(t, err)

			tt.mutate(cfg)

			err = cfg.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)

				return
			}

			require.Error(t, err)
			assert.ErrorIs(t, err, sweep.ErrInvalidConfiguration)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestMachineProfile_MemoryBytes(t *testing.T) {
	p := MachineProfile{Memory: "16GiB"}

	b, err := p.MemoryBytes()
	require.NoError(t, err)
	assert.Equal(t, int64(16*1024*1024*1024), b)
}

func TestConfig_ValidateAPI(t *testing.T) {
	cfg, err := Load(writeConfig(t))
	require.NoError(t, err)
	require.NoError(t, cfg.ValidateAPI())

	cfg.API.Auth.Basic.Enabled = true
	require.Error(t, cfg.ValidateAPI())

	cfg.API.Auth.Basic.Users = []BasicAuthUser{{Username: "admin", PasswordHash: "plain"}}
	require.ErrorContains(t, cfg.ValidateAPI(), "bcrypt")

	cfg.API.Auth.Basic.Users[0].PasswordHash = "$2a$10$abcdefghijklmnopqrstuv"
	require.NoError(t, cfg.ValidateAPI())

	cfg.API.RateLimit = RateLimitConfig{Enabled: true, RequestsPerMinute: 30, ReportRequestsPerMinute: -1}
	require.ErrorContains(t, cfg.ValidateAPI(), "report_requests_per_minute")
}

func TestRateLimitConfig_ReportBudget(t *testing.T) {
	assert.Equal(t, 30, RateLimitConfig{RequestsPerMinute: 30}.ReportBudget())
	assert.Equal(t, 5, RateLimitConfig{RequestsPerMinute: 30, ReportRequestsPerMinute: 5}.ReportBudget())
}
