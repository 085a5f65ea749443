package config

import (
	"crypto/tls"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
)

// Config holds the service settings read from the environment.
type Config struct {
	StorageConnection string
	TasksTable        string
	CommandQueue      string

	RedisConnection  string
	UpdatesChannel   string
	CacheTTL         time.Duration
	DeduperTTL       time.Duration
	FeedPollInterval time.Duration

	JWTSecret      string
	SessionTTL     time.Duration
	TestMode       bool
	TestJWTSecret  string
	GoogleClientID string
	GoogleSecret   string
	PublicURL      string

	Port      string
	Debug     bool
	LogFormat string
}

// Load reads an optional .env file and then the process environment.
// Variables already set in the environment win over the file.
func Load(files ...string) (Config, error) {
	if err := godotenv.Load(files...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load env file: %w", err)
	}
	return FromEnv(os.Getenv)
}

// FromEnv builds a Config from getenv.
func FromEnv(getenv func(string) string) (Config, error) {
	c, err := parse(getenv)
	if err != nil {
		return Config{}, err
	}
	if err := c.validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// LoadStorage is Load for tools that only talk to the storage account.
func LoadStorage(files ...string) (Config, error) {
	if err := godotenv.Load(files...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load env file: %w", err)
	}
	c, err := parse(os.Getenv)
	if err != nil {
		return Config{}, err
	}
	if c.StorageConnection == "" {
		return Config{}, errors.New("missing storage config")
	}
	return c, nil
}

func parse(getenv func(string) string) (Config, error) {
	c := Config{
		StorageConnection: getenv("STORAGE_CONNECTION_STRING"),
		TasksTable:        withDefault(getenv("TASKS_TABLE"), "tarefas"),
		CommandQueue:      withDefault(getenv("COMMAND_QUEUE"), "tarefas-commands"),
		RedisConnection:   getenv("REDIS_CONNECTION_STRING"),
		UpdatesChannel:    withDefault(getenv("UPDATES_CHANNEL"), "tarefas-updates"),
		JWTSecret:         getenv("JWT_SECRET"),
		TestMode:          getenv("AUTH_TEST_MODE") == "1",
		TestJWTSecret:     getenv("TEST_JWT_SECRET"),
		GoogleClientID:    getenv("GOOGLE_CLIENT_ID"),
		GoogleSecret:      getenv("GOOGLE_CLIENT_SECRET"),
		PublicURL:         strings.TrimRight(withDefault(getenv("PUBLIC_URL"), "http://localhost:8080"), "/"),
		Port:              withDefault(getenv("PORT"), "8080"),
		LogFormat:         strings.ToLower(getenv("LOG_FORMAT")),
	}
	if dbg, err := strconv.ParseBool(getenv("DEBUG")); err == nil {
		c.Debug = dbg
	}

	var err error
	if c.CacheTTL, err = duration(getenv, "CACHE_TTL", 5*time.Minute, true); err != nil {
		return Config{}, err
	}
	if c.DeduperTTL, err = duration(getenv, "DEDUPER_TTL", 24*time.Hour, false); err != nil {
		return Config{}, err
	}
	if c.FeedPollInterval, err = duration(getenv, "FEED_POLL_INTERVAL", 0, true); err != nil {
		return Config{}, err
	}
	if c.SessionTTL, err = duration(getenv, "SESSION_TTL", 30*24*time.Hour, false); err != nil {
		return Config{}, err
	}
	return c, nil
}

func (c Config) validate() error {
	if c.StorageConnection == "" {
		return errors.New("missing storage config")
	}
	if c.RedisConnection == "" {
		return errors.New("missing redis config")
	}
	if c.TestMode {
		if c.TestJWTSecret == "" {
			return errors.New("TEST_JWT_SECRET must be set when AUTH_TEST_MODE=1")
		}
	} else if c.JWTSecret == "" {
		return errors.New("missing JWT_SECRET")
	}
	if (c.GoogleClientID == "") != (c.GoogleSecret == "") {
		return errors.New("GOOGLE_CLIENT_ID and GOOGLE_CLIENT_SECRET must be set together")
	}
	return nil
}

// SessionSecret is the key session tokens are signed and verified with.
func (c Config) SessionSecret() []byte {
	if c.TestMode {
		return []byte(c.TestJWTSecret)
	}
	return []byte(c.JWTSecret)
}

// GoogleEnabled reports whether Google sign-in is configured.
func (c Config) GoogleEnabled() bool {
	return c.GoogleClientID != ""
}

// RedisOptions parses a redis:// URL or an Azure style
// "host:port,password=...,ssl=true" connection string.
func RedisOptions(conn string) (*redis.Options, error) {
	if conn == "" {
		return nil, errors.New("empty redis connection string")
	}
	opts, err := redis.ParseURL(conn)
	if err == nil {
		return opts, nil
	}
	parts := strings.Split(conn, ",")
	opts = &redis.Options{Addr: strings.TrimSpace(parts[0])}
	for _, p := range parts[1:] {
		kv := strings.SplitN(p, "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(kv[0])) {
		case "password":
			opts.Password = kv[1]
		case "ssl":
			if strings.EqualFold(strings.TrimSpace(kv[1]), "true") {
				opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
			}
		}
	}
	return opts, nil
}

func withDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func duration(getenv func(string) string, key string, def time.Duration, allowZero bool) (time.Duration, error) {
	raw := getenv(key)
	if raw == "" {
		return def, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if d < 0 || (d == 0 && !allowZero) {
		return 0, fmt.Errorf("invalid %s: must be greater than zero", key)
	}
	return d, nil
}
