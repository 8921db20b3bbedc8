package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	gfconfig "github.com/fulmenhq/gofulmen/config"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

const (
	// AppName names the application data directory.
	AppName = "emop"

	// EnvPrefix prefixes environment overrides: EMOP_DASHBOARD_URL_BASE
	// overrides dashboard.url_base.
	EnvPrefix = "EMOP"

	// EnvConfigPath locates the config file when --config is not given. It
	// is also how scheduled jobs inherit the submitter's configuration.
	EnvConfigPath = "EMOP_CONFIG_PATH"

	EnvHome = "EMOP_HOME"
)

// ErrConfigNotFound reports an explicitly requested config file that does
// not exist.
var ErrConfigNotFound = errors.New("config file not found")

// Options controls Load.
type Options struct {
	// Path is the --config flag value.
	Path string

	// Overrides are applied last, keyed by dotted config key.
	Overrides map[string]any

	Getenv func(string) string
}

func (o Options) getenv(key string) string {
	if o.Getenv != nil {
		return o.Getenv(key)
	}
	return os.Getenv(key)
}

// ResolvePath picks the config file: the flag value, then EMOP_CONFIG_PATH,
// then config.yaml under EMOP_HOME. A candidate from the environment that
// does not exist is skipped; an explicit flag value must exist.
func ResolvePath(flag string, getenv func(string) string) (string, error) {
	if p := strings.TrimSpace(flag); p != "" {
		if _, err := os.Stat(p); err != nil {
			return "", fmt.Errorf("%w: %s", ErrConfigNotFound, p)
		}
		return p, nil
	}
	candidates := []string{strings.TrimSpace(getenv(EnvConfigPath))}
	if home := strings.TrimSpace(getenv(EnvHome)); home != "" {
		candidates = append(candidates, filepath.Join(home, "config.yaml"))
	}
	for _, c := range candidates {
		if c == "" {
			continue
		}
		if _, err := os.Stat(c); err == nil {
			return c, nil
		}
	}
	return "", nil
}

// SetDefaults registers every key with its default. Keys without a default
// are not picked up from the environment.
func SetDefaults(v *viper.Viper) {
	stateDir := gfconfig.GetAppDataDir(AppName)

	v.SetDefault("home", "")

	v.SetDefault("dashboard.url_base", "")
	v.SetDefault("dashboard.api_version", "2")
	v.SetDefault("dashboard.auth_token", "")
	v.SetDefault("dashboard.timeout", "60s")
	v.SetDefault("dashboard.retry_max", 0)
	v.SetDefault("dashboard.retry_wait_min", "1s")
	v.SetDefault("dashboard.retry_wait_max", "30s")
	v.SetDefault("dashboard.rate_limit", 0)

	v.SetDefault("controller.payload_input_path", "${emop_home}/payload/input")
	v.SetDefault("controller.payload_output_path", "${emop_home}/payload/output")
	v.SetDefault("controller.payload_completed_path", "")
	v.SetDefault("controller.payload_uploaded_path", "")
	v.SetDefault("controller.ocr_root", "")
	v.SetDefault("controller.input_path_prefix", "")
	v.SetDefault("controller.output_path_prefix", "")
	v.SetDefault("controller.skip_existing", false)
	v.SetDefault("controller.multi_column_skew_enabled", false)
	v.SetDefault("controller.log_level", "info")

	v.SetDefault("scheduler.name", "slurm")
	v.SetDefault("scheduler.max_jobs", 128)
	v.SetDefault("scheduler.queue", "idhmc")
	v.SetDefault("scheduler.transfer_queue", "")
	v.SetDefault("scheduler.job_name", "emop-controller")
	v.SetDefault("scheduler.min_job_runtime", 300)
	v.SetDefault("scheduler.max_job_runtime", 259200)
	v.SetDefault("scheduler.avg_page_runtime", 20)
	v.SetDefault("scheduler.logdir", "${emop_home}/logs")
	v.SetDefault("scheduler.mem_per_cpu", 4000)
	v.SetDefault("scheduler.cpus_per_task", 1)
	v.SetDefault("scheduler.set_walltime", false)
	v.SetDefault("scheduler.extra_args", []string{})
	v.SetDefault("scheduler.signal_grace", 300)
	v.SetDefault("scheduler.job_script", "${emop_home}/emop.slrm")
	v.SetDefault("scheduler.transfer_job_script", "${emop_home}/emop_transfer.slrm")
	v.SetDefault("scheduler.transfer_wait", "6h")
	v.SetDefault("scheduler.state_dir", stateDir)

	v.SetDefault("transfer.backend", BackendGlobus)
	v.SetDefault("transfer.cluster_endpoint", "")
	v.SetDefault("transfer.remote_endpoint", "")
	v.SetDefault("transfer.min_activation_time", "24h")
	v.SetDefault("transfer.poll_interval", "10s")
	v.SetDefault("transfer.auth_file", "${home}/.globus/auth.txt")
	v.SetDefault("transfer.api_url", "")
	v.SetDefault("transfer.timeout", "60s")
	v.SetDefault("transfer.retry_max", 0)
	v.SetDefault("transfer.state_dir", filepath.Join(stateDir, "transfer"))
	v.SetDefault("transfer.spool_memory_bytes", 16<<20)

	v.SetDefault("stages.tesseract_config", "${emop_home}/tess_cfg.txt")

	v.SetDefault("juxta.jx_algorithm", "jaro_winkler")

	v.SetDefault("logging.level", "")
	v.SetDefault("logging.file", "")
	v.SetDefault("logging.max_size_mb", 100)
	v.SetDefault("logging.max_backups", 5)
	v.SetDefault("logging.max_age_days", 30)
}

// Load reads the configuration.
func Load(opts Options) (*Config, error) {
	path, err := ResolvePath(opts.Path, opts.getenv)
	if err != nil {
		return nil, err
	}

	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	for k, val := range opts.Overrides {
		v.Set(k, val)
	}

	home := strings.TrimSpace(v.GetString("home"))
	if home == "" {
		home = strings.TrimSpace(opts.getenv(EnvHome))
	}
	if home == "" && path != "" {
		if abs, err := filepath.Abs(path); err == nil {
			home = filepath.Dir(abs)
		}
	}

	vars := map[string]string{
		"home":      opts.getenv("HOME"),
		"emop_home": home,
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		interpolateHook(vars, opts.getenv),
		secondsDurationHook(),
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.Home = home
	cfg.Path = path
	return &cfg, nil
}

// Interpolate expands %(name)s and ${name} references. Names missing from
// vars resolve from the environment; unknown names are left as written.
func Interpolate(s string, vars map[string]string, getenv func(string) string) string {
	if !strings.ContainsAny(s, "$%") {
		return s
	}
	for name := range vars {
		s = strings.ReplaceAll(s, "%("+name+")s", "${"+name+"}")
	}
	return os.Expand(s, func(name string) string {
		if v, ok := vars[name]; ok {
			return v
		}
		if v := getenv(name); v != "" {
			return v
		}
		return "${" + name + "}"
	})
}

func interpolateHook(vars map[string]string, getenv func(string) string) mapstructure.DecodeHookFuncType {
	return func(from reflect.Type, _ reflect.Type, data any) (any, error) {
		if from.Kind() != reflect.String {
			return data, nil
		}
		return Interpolate(reflect.ValueOf(data).String(), vars, getenv), nil
	}
}

// secondsDurationHook reads a unit-less number given for a duration as
// seconds, the unit every runtime setting of the controller uses.
func secondsDurationHook() mapstructure.DecodeHookFuncType {
	durationType := reflect.TypeOf(time.Duration(0))
	return func(from reflect.Type, to reflect.Type, data any) (any, error) {
		if to != durationType || from == durationType {
			return data, nil
		}
		v := reflect.ValueOf(data)
		switch from.Kind() {
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			return time.Duration(v.Int()) * time.Second, nil
		case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			return time.Duration(v.Uint()) * time.Second, nil
		case reflect.Float32, reflect.Float64:
			return time.Duration(v.Float() * float64(time.Second)), nil
		case reflect.String:
			if n, err := strconv.ParseFloat(strings.TrimSpace(v.String()), 64); err == nil {
				return time.Duration(n * float64(time.Second)), nil
			}
		}
		return data, nil
	}
}
