// Package config holds command-line and environment settings for pairplay.
package config

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/jason-s-yu/pairplay/internal/auth"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment variable, e.g. PAIRPLAY_PORT.
const EnvPrefix = "PAIRPLAY"

type Config struct {
	Bind           string
	Port           int
	PublicURL      string
	AllowedOrigins []string
	Production     bool
	Verbose        bool

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	DatabaseURL   string

	TokenTTL       string
	PrivateKeyFile string
	PublicKeyFile  string
	BlobTTL        time.Duration

	GenerationURL   string
	GenerationToken string
	GenerationRate  float64

	HistorianBatch int
	HistorianIdle  time.Duration
	DisableHistory bool

	// simulate
	Seed          int64
	ShortDeck     bool
	MismatchDelay time.Duration
	Timeout       time.Duration
}

// Validate checks the serve settings that flags cannot constrain on their own.
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("invalid port (must be between 1-65535 inclusive): %d", c.Port)
	}
	if (c.PrivateKeyFile == "") != (c.PublicKeyFile == "") {
		return errors.New("both --private-key and --public-key must be provided together")
	}
	if _, err := auth.ParseTTL(c.TokenTTL); err != nil {
		return err
	}
	if c.Production && len(c.AllowedOrigins) == 0 {
		return errors.New("--allowed-origins is required in production")
	}
	return nil
}

// ValidateSimulate checks the simulate settings.
func (c *Config) ValidateSimulate() error {
	if c.MismatchDelay < 0 {
		return fmt.Errorf("invalid mismatch delay: %v", c.MismatchDelay)
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("invalid timeout: %v", c.Timeout)
	}
	if c.GenerationRate < 0 {
		return fmt.Errorf("invalid generation rate: %v", c.GenerationRate)
	}
	if c.DatabaseURL != "" && c.RedisAddr == "" {
		return errors.New("--database-url needs --redis-addr for the action queue")
	}
	return nil
}

// HistoryEnabled reports whether actions are both published and drained. Publishing
// without a historian would only grow the queue.
func (c *Config) HistoryEnabled() bool {
	return !c.DisableHistory && c.RedisAddr != "" && c.DatabaseURL != ""
}

// Addr is the listen address.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Bind, strconv.Itoa(c.Port))
}

// Logger builds the process logger; verbose enables debug output.
func (c *Config) Logger() *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if c.Production {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	if c.Verbose {
		logger.SetLevel(logrus.DebugLevel)
	}
	return logger
}

// ServeFlags registers the flags of the serve command.
func (c *Config) ServeFlags(fs *pflag.FlagSet) {
	fs.StringVarP(&c.Bind, "bind", "b", "0.0.0.0", "address to bind to (env: PAIRPLAY_BIND)")
	fs.IntVarP(&c.Port, "port", "p", 8080, "port to listen on (env: PAIRPLAY_PORT)")
	fs.StringVar(&c.PublicURL, "public-url", "http://localhost:8080", "URL clients use to reach this server (env: PAIRPLAY_PUBLIC_URL)")
	fs.StringSliceVar(&c.AllowedOrigins, "allowed-origins", nil, "comma separated CORS origins (env: PAIRPLAY_ALLOWED_ORIGINS)")
	fs.BoolVar(&c.Production, "production", false, "production mode: JSON logs, strict origins (env: PAIRPLAY_PRODUCTION)")

	fs.StringVar(&c.TokenTTL, "token-ttl", "24h", "session token lifetime, 0 for no expiry (env: PAIRPLAY_TOKEN_TTL)")
	fs.StringVar(&c.PrivateKeyFile, "private-key", "", "ed25519 private key PEM; generated when empty (env: PAIRPLAY_PRIVATE_KEY)")
	fs.StringVar(&c.PublicKeyFile, "public-key", "", "ed25519 public key PEM (env: PAIRPLAY_PUBLIC_KEY)")
	fs.DurationVar(&c.BlobTTL, "blob-ttl", 24*time.Hour, "how long uploaded images are kept (env: PAIRPLAY_BLOB_TTL)")

	c.BackendFlags(fs, "localhost:6379")
}

// BackendFlags registers the Redis, Postgres and historian flags. An empty redis address keeps
// everything in memory.
func (c *Config) BackendFlags(fs *pflag.FlagSet, redisAddr string) {
	fs.StringVar(&c.RedisAddr, "redis-addr", redisAddr, "redis address (env: PAIRPLAY_REDIS_ADDR)")
	fs.StringVar(&c.RedisPassword, "redis-password", "", "redis password (env: PAIRPLAY_REDIS_PASSWORD)")
	fs.IntVar(&c.RedisDB, "redis-db", 0, "redis database number (env: PAIRPLAY_REDIS_DB)")
	fs.StringVar(&c.DatabaseURL, "database-url", "", "postgres URL; empty disables persistence (env: PAIRPLAY_DATABASE_URL)")

	fs.IntVar(&c.HistorianBatch, "historian-batch", 20, "actions per historian flush (env: PAIRPLAY_HISTORIAN_BATCH)")
	fs.DurationVar(&c.HistorianIdle, "historian-idle", 10*time.Minute, "quiet time before a room is marked inactive (env: PAIRPLAY_HISTORIAN_IDLE)")
	fs.BoolVar(&c.DisableHistory, "disable-history", false, "do not publish or persist actions (env: PAIRPLAY_DISABLE_HISTORY)")
}

// SimulateFlags registers the flags of the simulate command.
func (c *Config) SimulateFlags(fs *pflag.FlagSet) {
	fs.Int64Var(&c.Seed, "seed", 0, "random seed; 0 picks one from the clock (env: PAIRPLAY_SEED)")
	fs.BoolVar(&c.ShortDeck, "short", false, "deal the 3 pair deck (env: PAIRPLAY_SHORT)")
	fs.DurationVar(&c.MismatchDelay, "mismatch-delay", 50*time.Millisecond, "pause before mismatched cards turn back (env: PAIRPLAY_MISMATCH_DELAY)")
	fs.DurationVar(&c.Timeout, "timeout", time.Minute, "give up after this long (env: PAIRPLAY_TIMEOUT)")
	fs.StringVar(&c.PublicURL, "public-url", "http://localhost:8080", "base of generated image URLs (env: PAIRPLAY_PUBLIC_URL)")

	fs.StringVar(&c.GenerationURL, "generation-url", "", "base URL of the generation functions; canned answers when empty (env: PAIRPLAY_GENERATION_URL)")
	fs.StringVar(&c.GenerationToken, "generation-token", "", "bearer token for the generation functions (env: PAIRPLAY_GENERATION_TOKEN)")
	fs.Float64Var(&c.GenerationRate, "generation-rate", 2, "generation calls per second (env: PAIRPLAY_GENERATION_RATE)")

	c.BackendFlags(fs, "")
}

// CommonFlags registers flags every command shares.
func (c *Config) CommonFlags(fs *pflag.FlagSet) {
	fs.BoolVarP(&c.Verbose, "verbose", "v", false, "display additional output (env: PAIRPLAY_VERBOSE)")
}

// Bind lets PAIRPLAY_* environment variables fill flags the user did not set.
func Bind(fs *pflag.FlagSet) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	fs.SetNormalizeFunc(func(_ *pflag.FlagSet, name string) pflag.NormalizedName {
		return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
	})

	fs.VisitAll(func(f *pflag.Flag) {
		_ = v.BindPFlag(f.Name, f)
		_ = v.BindEnv(f.Name)
		if !f.Changed && v.IsSet(f.Name) {
			_ = fs.Set(f.Name, fmt.Sprintf("%v", v.Get(f.Name)))
		}
	})
}
