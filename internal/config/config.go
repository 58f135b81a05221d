// Package config loads the service configuration.
//
// Values are layered: built-in defaults, then an optional YAML file, then
// environment variables (a .env file is loaded first if present), then
// command-line flags.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// Config is the full service configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Identity IdentityConfig `yaml:"identity"`
	Media    MediaConfig    `yaml:"media"`
	Log      LogConfig      `yaml:"log"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Addr        string   `yaml:"addr"`
	CORSOrigins []string `yaml:"cors_origins"`
}

// DatabaseConfig locates the SQLite database.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// IdentityConfig points at the identity service.
type IdentityConfig struct {
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
	Retries int           `yaml:"retries"`

	// CacheTTL enables the verification cache when positive.
	CacheTTL time.Duration `yaml:"cache_ttl"`
	// RedisAddr moves the cache to Redis. Empty keeps it in process.
	RedisAddr string `yaml:"redis_addr"`
}

// Media backends.
const (
	MediaBackendDB = "db"
	MediaBackendS3 = "s3"
)

// MediaConfig selects where uploaded pictures are kept.
type MediaConfig struct {
	Backend      string   `yaml:"backend"`
	MaxDimension int      `yaml:"max_dimension"`
	MaxBytes     int64    `yaml:"max_bytes"`
	MaxPixels    int64    `yaml:"max_pixels"`
	S3           S3Config `yaml:"s3"`
}

// S3Config describes an S3-compatible bucket.
type S3Config struct {
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Prefix    string `yaml:"prefix"`
	PublicURL string `yaml:"public_url"`
}

// LogConfig configures logging output.
type LogConfig struct {
	Path   string `yaml:"path"`
	Format string `yaml:"format"`
}

// Default returns the configuration used when nothing is overridden.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:        ":5002",
			CORSOrigins: []string{"*"},
		},
		Database: DatabaseConfig{Path: "najdeno.sqlite3"},
		Identity: IdentityConfig{
			URL:     "http://auth-service:5001",
			Timeout: 5 * time.Second,
		},
		Media: MediaConfig{
			Backend: MediaBackendDB,
			S3:      S3Config{Region: "us-east-1"},
		},
		Log: LogConfig{Format: "text"},
	}
}

// Load returns the defaults overlaid with the YAML file at path. An empty
// path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return cfg, nil
}

// LoadDotEnv loads variables from a .env file into the process environment.
// A missing file is not an error. Variables already set are kept.
func LoadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("loading %s: %w", path, err)
	}
	return nil
}

// ApplyEnv overrides cfg from environment variables read through lookup,
// usually os.LookupEnv.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	var errs []error
	dur := func(key string, dst *time.Duration) {
		if v, ok := lookup(key); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}
	num := func(key string, dst *int) {
		if v, ok := lookup(key); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}

	if v, ok := lookup("PORT"); ok && v != "" {
		c.Server.Addr = ":" + v
	}
	str("NAJDENO_ADDR", &c.Server.Addr)
	if v, ok := lookup("NAJDENO_CORS_ORIGINS"); ok && v != "" {
		c.Server.CORSOrigins = splitList(v)
	}

	str("NAJDENO_DB", &c.Database.Path)

	str("NAJDENO_IDENTITY_URL", &c.Identity.URL)
	dur("NAJDENO_IDENTITY_TIMEOUT", &c.Identity.Timeout)
	num("NAJDENO_IDENTITY_RETRIES", &c.Identity.Retries)
	dur("NAJDENO_IDENTITY_CACHE_TTL", &c.Identity.CacheTTL)
	str("NAJDENO_REDIS_ADDR", &c.Identity.RedisAddr)

	str("NAJDENO_MEDIA_BACKEND", &c.Media.Backend)
	str("NAJDENO_S3_BUCKET", &c.Media.S3.Bucket)
	str("NAJDENO_S3_REGION", &c.Media.S3.Region)
	str("NAJDENO_S3_ENDPOINT", &c.Media.S3.Endpoint)
	str("NAJDENO_S3_ACCESS_KEY", &c.Media.S3.AccessKey)
	str("NAJDENO_S3_SECRET_KEY", &c.Media.S3.SecretKey)
	str("NAJDENO_S3_PREFIX", &c.Media.S3.Prefix)
	str("NAJDENO_S3_PUBLIC_URL", &c.Media.S3.PublicURL)

	str("NAJDENO_LOG", &c.Log.Path)
	str("NAJDENO_LOG_FORMAT", &c.Log.Format)

	return errors.Join(errs...)
}

// NewFlagSet defines the command-line flags of the server.
func NewFlagSet(name string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.StringP("config", "c", "", "YAML configuration file")
	fs.StringP("addr", "a", "", "listen address (default :5002)")
	fs.StringP("db", "d", "", "SQLite database path (default najdeno.sqlite3)")
	fs.StringP("identity-url", "i", "", "identity service base URL")
	fs.StringP("log", "l", "", "log file path (default: stdout/stderr only)")
	fs.String("env-file", ".env", "dotenv file loaded before reading the environment")
	return fs
}

// ApplyFlags overrides cfg with the flags that were set on fs.
func (c *Config) ApplyFlags(fs *pflag.FlagSet) {
	set := func(flag string, dst *string) {
		if fs.Changed(flag) {
			*dst, _ = fs.GetString(flag)
		}
	}
	set("addr", &c.Server.Addr)
	set("db", &c.Database.Path)
	set("identity-url", &c.Identity.URL)
	set("log", &c.Log.Path)
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Addr == "" {
		errs = append(errs, errors.New("server.addr is empty"))
	}
	if c.Database.Path == "" {
		errs = append(errs, errors.New("database.path is empty"))
	}

	if c.Identity.URL == "" {
		errs = append(errs, errors.New("identity.url is empty"))
	} else if u, err := url.Parse(c.Identity.URL); err != nil || !u.IsAbs() || u.Host == "" {
		errs = append(errs, fmt.Errorf("identity.url %q is not an absolute URL", c.Identity.URL))
	}
	if c.Identity.Retries < 0 {
		errs = append(errs, fmt.Errorf("identity.retries is negative: %d", c.Identity.Retries))
	}
	if c.Identity.CacheTTL < 0 {
		errs = append(errs, fmt.Errorf("identity.cache_ttl is negative: %s", c.Identity.CacheTTL))
	}

	switch c.Media.Backend {
	case MediaBackendDB:
	case MediaBackendS3:
		if c.Media.S3.Bucket == "" {
			errs = append(errs, errors.New("media.s3.bucket is required for the s3 backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown media.backend %q", c.Media.Backend))
	}

	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("unknown log.format %q", c.Log.Format))
	}

	return errors.Join(errs...)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
