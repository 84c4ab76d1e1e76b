// internal/config/config.go
// Loads the server configuration from a JSON file with environment overrides.
package config

import (
	"encoding/json"
	"os"
	"strconv"
	"time"

	"github.com/erilali/chatserver/internal/logger"
	"github.com/pkg/errors"
)

// Duration is a time.Duration that reads "5s" style strings or plain
// seconds from JSON.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		v, err := time.ParseDuration(s)
		if err != nil {
			return errors.Wrapf(err, "parse duration %q", s)
		}
		*d = Duration(v)
		return nil
	}
	var secs float64
	if err := json.Unmarshal(b, &secs); err != nil {
		return errors.Errorf("invalid duration %s", string(b))
	}
	*d = Duration(secs * float64(time.Second))
	return nil
}

type Config struct {
	Addr        string `json:"addr"`
	DatabaseURL string `json:"database_url"`
	NatsURL     string `json:"nats_url"`
	RedisAddr   string `json:"redis_addr"`

	JWTSecret        string `json:"jwt_secret"`
	JWTAlg           string `json:"jwt_alg"`
	AllowQueryUserID bool   `json:"allow_query_user_id"`

	HeartbeatInterval Duration `json:"heartbeat_interval"`
	HeartbeatTimeout  Duration `json:"heartbeat_timeout"`
	WriteTimeout      Duration `json:"write_timeout"`
	SendBuffer        int      `json:"send_buffer"`
	ReadLimit         int64    `json:"read_limit"`
	EvictSuperseded   bool     `json:"evict_superseded"`
	PresenceTTL       Duration `json:"presence_ttl"`

	Log logger.LogConfig `json:"log"`
}

func Default() Config {
	return Config{
		Addr:              ":8080",
		JWTAlg:            "HS256",
		HeartbeatInterval: Duration(5 * time.Second),
		HeartbeatTimeout:  Duration(10 * time.Second),
		WriteTimeout:      Duration(10 * time.Second),
		SendBuffer:        256,
		ReadLimit:         64 * 1024,
		PresenceTTL:       Duration(30 * time.Second),
		Log:               logger.DefaultLogConfig(),
	}
}

// Load reads path on top of Default and then applies environment
// overrides. A missing file is not an error.
func Load(path string) (Config, error) {
	config := Default()
	if path != "" {
		file, err := os.Open(path)
		switch {
		case os.IsNotExist(err):
		case err != nil:
			return config, errors.Wrapf(err, "open config %s", path)
		default:
			defer file.Close()
			if err := json.NewDecoder(file).Decode(&config); err != nil {
				return config, errors.Wrapf(err, "decode config %s", path)
			}
		}
	}
	config.applyEnv(os.LookupEnv)
	return config, config.Validate()
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	str("SERVER_ADDR", &c.Addr)
	str("DATABASE_URL", &c.DatabaseURL)
	str("NATS_URL", &c.NatsURL)
	str("REDIS_ADDR", &c.RedisAddr)
	str("JWT_SECRET", &c.JWTSecret)
	if v, ok := lookup("ALLOW_QUERY_USER_ID"); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			c.AllowQueryUserID = b
		}
	}
}

// Validate checks the invariants the connection handler relies on.
func (c Config) Validate() error {
	if c.HeartbeatInterval <= 0 {
		return errors.New("heartbeat_interval must be positive")
	}
	// at least one ping round-trip must fit before a connection is dropped
	if c.HeartbeatTimeout <= c.HeartbeatInterval {
		return errors.Errorf("heartbeat_timeout (%s) must be greater than heartbeat_interval (%s)",
			c.HeartbeatTimeout.Std(), c.HeartbeatInterval.Std())
	}
	// a live session's presence key must not expire between refreshes
	if c.PresenceTTL <= c.HeartbeatInterval {
		return errors.Errorf("presence_ttl (%s) must be greater than heartbeat_interval (%s)",
			c.PresenceTTL.Std(), c.HeartbeatInterval.Std())
	}
	if c.SendBuffer <= 0 {
		return errors.New("send_buffer must be positive")
	}
	if c.ReadLimit <= 0 {
		return errors.New("read_limit must be positive")
	}
	if c.JWTSecret == "" && !c.AllowQueryUserID {
		return errors.New("either jwt_secret or allow_query_user_id must be set")
	}
	return nil
}
