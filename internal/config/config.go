// Package config loads the emop configuration file and environment overrides
// and maps them onto the settings types of the runtime packages.
package config

import (
	"path/filepath"
	"strings"
	"time"

	"github.com/3leaps/emop/internal/observability"
	"github.com/3leaps/emop/pkg/dashboard"
	"github.com/3leaps/emop/pkg/job"
	"github.com/3leaps/emop/pkg/payload"
	"github.com/3leaps/emop/pkg/scheduler"
	"github.com/3leaps/emop/pkg/stage"
	"github.com/3leaps/emop/pkg/transfer"
	"github.com/3leaps/emop/pkg/transfer/globus"
	"github.com/3leaps/emop/pkg/transfer/objectstore"
)

// Transfer backends.
const (
	BackendGlobus      = "globus"
	BackendObjectStore = "objectstore"
)

// Config is the full application configuration.
type Config struct {
	// Home is EMOP_HOME. It defaults to the directory of the config file.
	Home string `mapstructure:"home" yaml:"home"`

	Dashboard  DashboardConfig  `mapstructure:"dashboard" yaml:"dashboard"`
	Controller ControllerConfig `mapstructure:"controller" yaml:"controller"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler" yaml:"scheduler"`
	Transfer   TransferConfig   `mapstructure:"transfer" yaml:"transfer"`
	Stages     StagesConfig     `mapstructure:"stages" yaml:"stages"`
	Juxta      JuxtaConfig      `mapstructure:"juxta" yaml:"juxta"`
	Logging    LoggingConfig    `mapstructure:"logging" yaml:"logging"`

	// Path is the config file that was read, empty when running on defaults.
	Path string `mapstructure:"-" yaml:"-"`
}

type DashboardConfig struct {
	URLBase      string        `mapstructure:"url_base" yaml:"url_base"`
	APIVersion   string        `mapstructure:"api_version" yaml:"api_version"`
	AuthToken    string        `mapstructure:"auth_token" yaml:"auth_token"`
	Timeout      time.Duration `mapstructure:"timeout" yaml:"timeout"`
	RetryMax     int           `mapstructure:"retry_max" yaml:"retry_max"`
	RetryWaitMin time.Duration `mapstructure:"retry_wait_min" yaml:"retry_wait_min"`
	RetryWaitMax time.Duration `mapstructure:"retry_wait_max" yaml:"retry_wait_max"`
	RateLimit    float64       `mapstructure:"rate_limit" yaml:"rate_limit"`
}

type ControllerConfig struct {
	PayloadInputPath     string `mapstructure:"payload_input_path" yaml:"payload_input_path"`
	PayloadOutputPath    string `mapstructure:"payload_output_path" yaml:"payload_output_path"`
	PayloadCompletedPath string `mapstructure:"payload_completed_path" yaml:"payload_completed_path"`
	PayloadUploadedPath  string `mapstructure:"payload_uploaded_path" yaml:"payload_uploaded_path"`

	OCRRoot          string `mapstructure:"ocr_root" yaml:"ocr_root"`
	InputPathPrefix  string `mapstructure:"input_path_prefix" yaml:"input_path_prefix"`
	OutputPathPrefix string `mapstructure:"output_path_prefix" yaml:"output_path_prefix"`

	SkipExisting           bool   `mapstructure:"skip_existing" yaml:"skip_existing"`
	MultiColumnSkewEnabled bool   `mapstructure:"multi_column_skew_enabled" yaml:"multi_column_skew_enabled"`
	LogLevel               string `mapstructure:"log_level" yaml:"log_level"`
}

type SchedulerConfig struct {
	// Name selects the backend (slurm or local).
	Name string `mapstructure:"name" yaml:"name"`

	MaxJobs       int    `mapstructure:"max_jobs" yaml:"max_jobs"`
	Queue         string `mapstructure:"queue" yaml:"queue"`
	TransferQueue string `mapstructure:"transfer_queue" yaml:"transfer_queue"`
	JobName       string `mapstructure:"job_name" yaml:"job_name"`

	MinJobRuntime  int `mapstructure:"min_job_runtime" yaml:"min_job_runtime"`
	MaxJobRuntime  int `mapstructure:"max_job_runtime" yaml:"max_job_runtime"`
	AvgPageRuntime int `mapstructure:"avg_page_runtime" yaml:"avg_page_runtime"`

	LogDir            string        `mapstructure:"logdir" yaml:"logdir"`
	MemPerCPU         int           `mapstructure:"mem_per_cpu" yaml:"mem_per_cpu"`
	CPUsPerTask       int           `mapstructure:"cpus_per_task" yaml:"cpus_per_task"`
	SetWalltime       bool          `mapstructure:"set_walltime" yaml:"set_walltime"`
	ExtraArgs         []string      `mapstructure:"extra_args" yaml:"extra_args"`
	SignalGrace       int           `mapstructure:"signal_grace" yaml:"signal_grace"`
	JobScript         string        `mapstructure:"job_script" yaml:"job_script"`
	TransferJobScript string        `mapstructure:"transfer_job_script" yaml:"transfer_job_script"`
	TransferWait      time.Duration `mapstructure:"transfer_wait" yaml:"transfer_wait"`
	StateDir          string        `mapstructure:"state_dir" yaml:"state_dir"`
}

type TransferConfig struct {
	Backend           string        `mapstructure:"backend" yaml:"backend"`
	ClusterEndpoint   string        `mapstructure:"cluster_endpoint" yaml:"cluster_endpoint"`
	RemoteEndpoint    string        `mapstructure:"remote_endpoint" yaml:"remote_endpoint"`
	MinActivationTime time.Duration `mapstructure:"min_activation_time" yaml:"min_activation_time"`
	PollInterval      time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`

	// Globus backend.
	AuthFile string        `mapstructure:"auth_file" yaml:"auth_file"`
	APIURL   string        `mapstructure:"api_url" yaml:"api_url"`
	Timeout  time.Duration `mapstructure:"timeout" yaml:"timeout"`
	RetryMax int           `mapstructure:"retry_max" yaml:"retry_max"`

	// Object store backend.
	StateDir         string                                `mapstructure:"state_dir" yaml:"state_dir"`
	SpoolMemoryBytes int64                                 `mapstructure:"spool_memory_bytes" yaml:"spool_memory_bytes"`
	Endpoints        map[string]objectstore.EndpointConfig `mapstructure:"endpoints" yaml:"endpoints,omitempty"`
}

type StagesConfig struct {
	TesseractConfig string              `mapstructure:"tesseract_config" yaml:"tesseract_config"`
	Commands        map[string][]string `mapstructure:"commands" yaml:"commands,omitempty"`
}

type JuxtaConfig struct {
	JXAlgorithm string `mapstructure:"jx_algorithm" yaml:"jx_algorithm"`
}

type LoggingConfig struct {
	Level      string `mapstructure:"level" yaml:"level"`
	File       string `mapstructure:"file" yaml:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days" yaml:"max_age_days"`
}

func (c *Config) DashboardConfig() dashboard.Config {
	d := c.Dashboard
	return dashboard.Config{
		URLBase:      d.URLBase,
		APIVersion:   d.APIVersion,
		AuthToken:    d.AuthToken,
		Timeout:      d.Timeout,
		RetryMax:     d.RetryMax,
		RetryWaitMin: d.RetryWaitMin,
		RetryWaitMax: d.RetryWaitMax,
		RateLimit:    d.RateLimit,
	}
}

func (c *Config) PayloadPaths() payload.Paths {
	return payload.Paths{
		InputDir:     c.Controller.PayloadInputPath,
		OutputDir:    c.Controller.PayloadOutputPath,
		CompletedDir: c.Controller.PayloadCompletedPath,
		UploadedDir:  c.Controller.PayloadUploadedPath,
	}
}

func (c *Config) JobSettings() job.Settings {
	return job.Settings{
		OCRRoot:      c.Controller.OCRRoot,
		InputPrefix:  c.Controller.InputPathPrefix,
		OutputPrefix: c.Controller.OutputPathPrefix,
	}
}

// SchedulerSettings passes the config path on so scheduled jobs read the
// same configuration.
func (c *Config) SchedulerSettings() scheduler.Settings {
	s := c.Scheduler
	configPath := c.Path
	if abs, err := filepath.Abs(configPath); err == nil && configPath != "" {
		configPath = abs
	}
	return scheduler.Settings{
		Name:              s.Name,
		MaxJobs:           s.MaxJobs,
		Queue:             s.Queue,
		TransferQueue:     s.TransferQueue,
		JobName:           s.JobName,
		MinJobRuntime:     s.MinJobRuntime,
		MaxJobRuntime:     s.MaxJobRuntime,
		AvgPageRuntime:    s.AvgPageRuntime,
		LogDir:            s.LogDir,
		MemPerCPU:         s.MemPerCPU,
		CPUsPerTask:       s.CPUsPerTask,
		SetWalltime:       s.SetWalltime,
		ExtraArgs:         s.ExtraArgs,
		SignalGrace:       s.SignalGrace,
		JobScript:         s.JobScript,
		TransferJobScript: s.TransferJobScript,
		ConfigPath:        configPath,
		StateDir:          s.StateDir,
		TransferWait:      s.TransferWait,
	}
}

func (c *Config) CoordinatorConfig() transfer.Config {
	return transfer.Config{
		ClusterEndpoint:   c.Transfer.ClusterEndpoint,
		RemoteEndpoint:    c.Transfer.RemoteEndpoint,
		MinActivationTime: c.Transfer.MinActivationTime,
		PollInterval:      c.Transfer.PollInterval,
		InputPrefix:       c.Controller.InputPathPrefix,
		OutputPrefix:      c.Controller.OutputPathPrefix,
	}
}

func (c *Config) GlobusConfig() globus.Config {
	return globus.Config{
		APIURL:   c.Transfer.APIURL,
		AuthFile: c.Transfer.AuthFile,
		Timeout:  c.Transfer.Timeout,
		RetryMax: c.Transfer.RetryMax,
	}
}

// ObjectStoreConfig keys endpoints by the names the coordinator uses. The
// config reader lowercases map keys, so mixed-case endpoint names are
// restored from cluster_endpoint and remote_endpoint.
func (c *Config) ObjectStoreConfig() objectstore.Config {
	endpoints := make(map[string]objectstore.EndpointConfig, len(c.Transfer.Endpoints))
	for name, ep := range c.Transfer.Endpoints {
		endpoints[name] = ep
	}
	for _, name := range []string{c.Transfer.ClusterEndpoint, c.Transfer.RemoteEndpoint} {
		if _, ok := endpoints[name]; ok {
			continue
		}
		if ep, ok := endpoints[strings.ToLower(name)]; ok {
			endpoints[name] = ep
		}
	}
	return objectstore.Config{
		StateDir:         c.Transfer.StateDir,
		Endpoints:        endpoints,
		SpoolMemoryBytes: c.Transfer.SpoolMemoryBytes,
	}
}

// StageCommands returns stage command overrides keyed by stage name.
func (c *Config) StageCommands() map[string][]string {
	byLower := make(map[string]string, len(stage.Names))
	for _, n := range stage.Names {
		byLower[strings.ToLower(n)] = n
	}
	out := make(map[string][]string, len(c.Stages.Commands))
	for k, args := range c.Stages.Commands {
		if n, ok := byLower[strings.ToLower(k)]; ok {
			k = n
		}
		out[k] = args
	}
	return out
}

// LogLevel prefers logging.level over the legacy controller.log_level.
func (c *Config) LogLevel() string {
	if strings.TrimSpace(c.Logging.Level) != "" {
		return c.Logging.Level
	}
	return c.Controller.LogLevel
}

// LogFile returns the rotating file sink options, nil when no file is set.
func (c *Config) LogFile() *observability.FileOptions {
	if strings.TrimSpace(c.Logging.File) == "" {
		return nil
	}
	return &observability.FileOptions{
		Path:       c.Logging.File,
		MaxSizeMB:  c.Logging.MaxSizeMB,
		MaxBackups: c.Logging.MaxBackups,
		MaxAgeDays: c.Logging.MaxAgeDays,
	}
}
