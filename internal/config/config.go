// Package config parses presenced options from flags, the environment and an
// optional .env file.
package config

import (
	"errors"
	"strings"
	"time"

	flags "github.com/jessevdk/go-flags"
	"github.com/joho/godotenv"
)

// Options holds every tunable of the presence gateway.
type Options struct {
	ListenAddr     string        `long:"listen-addr" env:"LISTEN_ADDR" default:":8080" description:"websocket gateway listen address"`
	MetricsAddr    string        `long:"metrics-addr" env:"METRICS_ADDR" default:":9090" description:"prometheus metrics listen address"`
	MaxConnections int           `long:"max-connections" env:"MAX_CONNECTIONS" default:"10000" description:"hard cap on gateway connections"`
	ReadTimeout    time.Duration `long:"read-timeout" env:"READ_TIMEOUT" default:"90s" description:"websocket read timeout"`
	WriteTimeout   time.Duration `long:"write-timeout" env:"WRITE_TIMEOUT" default:"10s" description:"websocket write timeout"`

	NATSURL  string `long:"nats-url" env:"NATS_URL" default:"nats://localhost:4222" description:"NATS server URL"`
	NATSName string `long:"nats-name" env:"NATS_NAME" default:"presenced" description:"NATS client name"`

	RedisAddr   string `long:"redis-addr" env:"REDIS_ADDR" default:"localhost:6379" description:"Redis address for last-active and rate limits"`
	DatabaseURL string `long:"database-url" env:"DATABASE_URL" description:"Postgres URL for favorites (empty disables favorites)"`

	LogLevel  string `long:"log-level" env:"LOG_LEVEL" default:"info" description:"debug, info, warn or error"`
	LogFormat string `long:"log-format" env:"LOG_FORMAT" default:"text" description:"text or json"`

	PresenceTopic     string        `long:"presence-topic" env:"PRESENCE_TOPIC" default:"online-users" description:"global presence channel topic"`
	ResyncOnReconnect bool          `long:"resync-on-reconnect" env:"RESYNC_ON_RECONNECT" description:"ignore the first sync again after a transport reconnect"`
	PresenceTTL       time.Duration `long:"presence-ttl" env:"PRESENCE_TTL" default:"30s" description:"presence lifetime of a member that stops refreshing"`
	HeartbeatInterval time.Duration `long:"heartbeat-interval" env:"HEARTBEAT_INTERVAL" default:"5m" description:"last-active heartbeat interval"`
	TypingExpiry      time.Duration `long:"typing-expiry" env:"TYPING_EXPIRY" default:"1500ms" description:"typing indicator lifetime without refresh"`
	TypingThrottle    time.Duration `long:"typing-throttle" env:"TYPING_THROTTLE" default:"300ms" description:"minimum interval between outgoing typing pings"`
}

// Parse loads .env (if present) and parses the process arguments.
func Parse() (Options, error) {
	_ = godotenv.Load()
	var opts Options
	if _, err := flags.Parse(&opts); err != nil {
		return Options{}, err
	}
	return opts, nil
}

// ParseArgs parses args without touching .env or printing help, for tests.
func ParseArgs(args []string) (Options, error) {
	var opts Options
	parser := flags.NewParser(&opts, flags.HelpFlag|flags.PassDoubleDash)
	if _, err := parser.ParseArgs(args); err != nil {
		return Options{}, err
	}
	return opts, nil
}

// Validate rejects option combinations the gateway cannot run with.
func (o Options) Validate() error {
	if strings.TrimSpace(o.NATSURL) == "" {
		return errors.New("config: nats url is required")
	}
	if strings.TrimSpace(o.PresenceTopic) == "" {
		return errors.New("config: presence topic is required")
	}
	if o.TypingExpiry <= 0 || o.TypingThrottle <= 0 || o.HeartbeatInterval <= 0 {
		return errors.New("config: typing expiry, typing throttle and heartbeat interval must be positive")
	}
	if o.PresenceTTL <= 0 {
		return errors.New("config: presence ttl must be positive")
	}
	if o.MaxConnections <= 0 {
		return errors.New("config: max connections must be positive")
	}
	return nil
}
