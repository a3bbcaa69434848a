// Package config loads server settings from a toml file, an optional .env
// file and RFARM_* environment variables, in that order of precedence.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"

	derror "github.com/shehryarbajwa/renderfarm-mini/internal/errors"
)

const (
	BlobBackendFS    = "fs"
	BlobBackendMinIO = "minio"
)

// Config is the full server configuration.
type Config struct {
	Host         string `toml:"host"`
	Port         int    `toml:"port"`
	PublicURL    string `toml:"public-url"`
	MajorVersion int    `toml:"major-version"`
	Workgroup    string `toml:"workgroup"`
	LogLevel     string `toml:"log-level"`
	Development  bool   `toml:"development"`

	Session   SessionConfig   `toml:"session"`
	Worker    WorkerConfig    `toml:"worker"`
	Jobs      JobsConfig      `toml:"jobs"`
	Blob      BlobConfig      `toml:"blob"`
	Output    OutputConfig    `toml:"output"`
	RateLimit RateLimitConfig `toml:"rate-limit"`
	Seed      SeedConfig      `toml:"seed"`
}

type SessionConfig struct {
	// TimeoutMinutes is how long an open session may stay idle.
	TimeoutMinutes int      `toml:"timeout-minutes"`
	ExpireEnabled  bool     `toml:"expire-enabled"`
	SweepInterval  Duration `toml:"sweep-interval"`
}

type WorkerConfig struct {
	// TempDir is the directory on the worker host outputs are written to.
	TempDir         string   `toml:"temp-dir"`
	Endpoint        string   `toml:"endpoint"`
	TeardownTimeout Duration `toml:"teardown-timeout"`
}

type JobsConfig struct {
	Timeout          Duration `toml:"timeout"`
	RejectBusyWorker bool     `toml:"reject-busy-worker"`
}

type BlobConfig struct {
	Backend string      `toml:"backend"`
	Dir     string      `toml:"dir"`
	MinIO   MinIOConfig `toml:"minio"`
}

type MinIOConfig struct {
	Endpoint  string `toml:"endpoint"`
	AccessKey string `toml:"access-key"`
	SecretKey string `toml:"secret-key"`
	UseSSL    bool   `toml:"use-ssl"`
	Bucket    string `toml:"bucket"`
}

type OutputConfig struct {
	RenderDir  string `toml:"render-dir"`
	ConvertDir string `toml:"convert-dir"`
}

type RateLimitConfig struct {
	Enabled         bool `toml:"enabled"`
	RequestsPerHour int  `toml:"requests-per-hour"`
	Burst           int  `toml:"burst"`
}

// SeedConfig populates the in-memory store at startup.
type SeedConfig struct {
	APIKeys    []SeedAPIKey    `toml:"api-keys"`
	Workspaces []SeedWorkspace `toml:"workspaces"`
	Workers    []SeedWorker    `toml:"workers"`
}

type SeedAPIKey struct {
	APIKey   string `toml:"api-key"`
	UserGuid string `toml:"user-guid"`
}

type SeedWorkspace struct {
	Guid      string `toml:"guid"`
	APIKey    string `toml:"api-key"`
	Workgroup string `toml:"workgroup"`
	HomeDir   string `toml:"home-dir"`
	Name      string `toml:"name"`
}

type SeedWorker struct {
	Guid      string `toml:"guid"`
	IP        string `toml:"ip"`
	Port      int    `toml:"port"`
	Workgroup string `toml:"workgroup"`
}

// Duration decodes toml strings such as "5s".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Default returns the configuration used when nothing overrides it.
func Default() *Config {
	return &Config{
		Host:         "0.0.0.0",
		Port:         8000,
		PublicURL:    "http://localhost:8000",
		MajorVersion: 1,
		Workgroup:    "default",
		LogLevel:     "info",
		Session: SessionConfig{
			TimeoutMinutes: 3,
			ExpireEnabled:  true,
			SweepInterval:  Duration{5 * time.Second},
		},
		Worker: WorkerConfig{
			TempDir:         `C:\Temp\`,
			TeardownTimeout: Duration{30 * time.Second},
		},
		Blob: BlobConfig{
			Backend: BlobBackendFS,
			Dir:     "./storage/assets",
		},
		Output: OutputConfig{
			RenderDir:  "./storage/renderoutput",
			ConvertDir: "./storage/convertoutput",
		},
		RateLimit: RateLimitConfig{
			Enabled:         true,
			RequestsPerHour: 100,
			Burst:           10,
		},
	}
}

// Load reads path when it is not empty, then envFile when it exists, then
// the process environment.
func Load(path, envFile string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if err := cfg.fromFile(path); err != nil {
			return nil, err
		}
	}
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, errors.Wrapf(err, "load env file %s", envFile)
		}
	}
	if err := cfg.fromEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) fromFile(path string) error {
	meta, err := toml.DecodeFile(path, c)
	if err != nil {
		return errors.Wrapf(err, "decode config file %s", path)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		items := make([]string, 0, len(undecoded))
		for _, item := range undecoded {
			items = append(items, item.String())
		}
		return derror.Validation("unknown config items: %s", strings.Join(items, ","))
	}
	return nil
}

func (c *Config) fromEnv(lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(name); ok {
			*dst = v
		}
	}
	num := func(name string, dst *int) error {
		v, ok := lookup(name)
		if !ok {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return derror.Validation("%s must be an integer, got %q", name, v)
		}
		*dst = n
		return nil
	}
	flag := func(name string, dst *bool) error {
		v, ok := lookup(name)
		if !ok {
			return nil
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return derror.Validation("%s must be a boolean, got %q", name, v)
		}
		*dst = b
		return nil
	}

	str("RFARM_HOST", &c.Host)
	str("RFARM_PUBLIC_URL", &c.PublicURL)
	str("RFARM_WORKGROUP", &c.Workgroup)
	str("RFARM_LOG_LEVEL", &c.LogLevel)
	str("RFARM_BLOB_BACKEND", &c.Blob.Backend)
	str("RFARM_BLOB_DIR", &c.Blob.Dir)
	str("RFARM_MINIO_ENDPOINT", &c.Blob.MinIO.Endpoint)
	str("RFARM_MINIO_ACCESS_KEY", &c.Blob.MinIO.AccessKey)
	str("RFARM_MINIO_SECRET_KEY", &c.Blob.MinIO.SecretKey)
	str("RFARM_MINIO_BUCKET", &c.Blob.MinIO.Bucket)

	for _, set := range []func() error{
		func() error { return num("RFARM_PORT", &c.Port) },
		func() error { return num("RFARM_SESSION_TIMEOUT_MINUTES", &c.Session.TimeoutMinutes) },
		func() error { return flag("RFARM_MINIO_USE_SSL", &c.Blob.MinIO.UseSSL) },
		func() error { return flag("RFARM_EXPIRE_SESSIONS", &c.Session.ExpireEnabled) },
	} {
		if err := set(); err != nil {
			return err
		}
	}
	return nil
}

// Validate rejects settings the server cannot run with.
func (c *Config) Validate() error {
	switch {
	case c.PublicURL == "":
		return derror.Validation("public-url is required")
	case c.Port <= 0:
		return derror.Validation("port must be positive")
	case c.MajorVersion <= 0:
		return derror.Validation("major-version must be positive")
	case c.Workgroup == "":
		return derror.Validation("workgroup is required")
	case c.Session.TimeoutMinutes <= 0:
		return derror.Validation("session.timeout-minutes must be positive")
	case c.Session.SweepInterval.Duration <= 0:
		return derror.Validation("session.sweep-interval must be positive")
	case c.Worker.TeardownTimeout.Duration <= 0:
		return derror.Validation("worker.teardown-timeout must be positive")
	case c.Jobs.Timeout.Duration < 0:
		return derror.Validation("jobs.timeout must not be negative")
	case c.RateLimit.Enabled && (c.RateLimit.RequestsPerHour <= 0 || c.RateLimit.Burst <= 0):
		return derror.Validation("rate-limit requires positive requests-per-hour and burst")
	}

	switch c.Blob.Backend {
	case BlobBackendFS:
		if c.Blob.Dir == "" {
			return derror.Validation("blob.dir is required for the fs backend")
		}
	case BlobBackendMinIO:
		if c.Blob.MinIO.Endpoint == "" {
			return derror.Validation("blob.minio.endpoint is required for the minio backend")
		}
	default:
		return derror.Validation("unknown blob backend %q", c.Blob.Backend)
	}
	return nil
}

// Addr is the listen address of the HTTP server.
func (c *Config) Addr() string {
	return c.Host + ":" + strconv.Itoa(c.Port)
}
