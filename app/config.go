package courierlink

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

const (
	DevMode  = "dev"
	ProdMode = "prod"
)

type Config struct {
	// Mode is either dev or prod. The default is dev.
	Mode string `validate:"required,oneof=dev prod"`
	// Port is the Port number to listen on. The default is 8080.
	Port int `validate:"required,port"`
	// Hostname is the Hostname to listen on. The default is 0.0.0.0.
	Hostname string `validate:"required"`
	// LogLevel is one of debug, info, warn or error. The default is info.
	LogLevel slog.Level `mapstructure:"log_level"`
	Auth     struct {
		// Secret is the key the identity provider signs tokens with.
		// The secret must be a base64 encoded string. The default is a random 32 byte string.
		Secret Base64Encoded `validate:"required"`
	}
	SQLite struct {
		// File is the path to the SQLite database file.
		File string `validate:"required"`
		// BusyTimeout is how long a write waits for the database lock.
		BusyTimeout time.Duration `mapstructure:"busy_timeout"`
	}
	TLS struct {
		Crt string
		Key string
	}
	Rooms struct {
		// BufferSize is the number of recent messages kept in memory per room.
		BufferSize int `mapstructure:"buffer_size" validate:"min=1,max=1000"`
		// TypingTTL is how long a typing indicator lasts without a refresh.
		TypingTTL time.Duration `mapstructure:"typing_ttl" validate:"min=1s"`
		// IdleGrace is how long an empty room is kept in memory.
		IdleGrace time.Duration `mapstructure:"idle_grace" validate:"min=1s"`
		// DedupeWindow is the number of recent client message ids remembered per room.
		DedupeWindow int `mapstructure:"dedupe_window" validate:"min=1"`
	}
	Tracking struct {
		// Timeout ends a tracking session that has not reported a position for this long.
		Timeout time.Duration `validate:"min=1s"`
	}
	WS struct {
		// SendQueue is the number of events buffered per connection before it is dropped.
		SendQueue int `mapstructure:"send_queue" validate:"min=1"`
		// RateLimit is the number of inbound events allowed per second per connection.
		RateLimit float64 `mapstructure:"rate_limit" validate:"min=0"`
		RateBurst int     `mapstructure:"rate_burst" validate:"min=0"`
	}
	Persist struct {
		QueueSize       int           `mapstructure:"queue_size" validate:"min=1"`
		BatchSize       int           `mapstructure:"batch_size" validate:"min=1"`
		RetryMaxElapsed time.Duration `mapstructure:"retry_max_elapsed" validate:"min=1s"`
		BreakerTimeout  time.Duration `mapstructure:"breaker_timeout" validate:"min=1s"`
	}
	// ResumeGrace is how long a dropped connection's rooms are remembered for its user.
	ResumeGrace time.Duration `mapstructure:"resume_grace" validate:"min=1s"`
	// SweepInterval is how often typing flags, idle rooms and stale sessions are swept.
	SweepInterval time.Duration `mapstructure:"sweep_interval" validate:"min=1s"`
	// APIRateLimit is the number of REST requests allowed per minute per client IP.
	APIRateLimit int `mapstructure:"api_rate_limit" validate:"min=1"`
	// AllowedOrigins is a list of origins that are allowed to connect to the server.
	// The default is ["*"].
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	valid          bool
}

type Base64Encoded []byte

func (b *Base64Encoded) UnmarshalText(text []byte) error {
	dec, err := base64.StdEncoding.DecodeString(string(text))
	if err != nil {
		return fmt.Errorf("base64 decode: %w", err)
	}
	*b = dec
	return nil
}

func setDefaults(v *viper.Viper) error {
	v.SetDefault("mode", DevMode)
	v.SetDefault("port", 8080)
	v.SetDefault("hostname", "0.0.0.0")
	v.SetDefault("log_level", "info")
	// generate a random secret key
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return fmt.Errorf("generate secret: %w", err)
	}
	v.SetDefault("auth.secret", base64.StdEncoding.EncodeToString(secret))
	v.SetDefault("sqlite.file", "./courierlink.db")
	v.SetDefault("sqlite.busy_timeout", "5s")
	v.SetDefault("rooms.buffer_size", 50)
	v.SetDefault("rooms.typing_ttl", "5s")
	v.SetDefault("rooms.idle_grace", "10m")
	v.SetDefault("rooms.dedupe_window", 500)
	v.SetDefault("tracking.timeout", "90s")
	v.SetDefault("ws.send_queue", 256)
	v.SetDefault("ws.rate_limit", 20)
	v.SetDefault("ws.rate_burst", 40)
	v.SetDefault("persist.queue_size", 4096)
	v.SetDefault("persist.batch_size", 128)
	v.SetDefault("persist.retry_max_elapsed", "1m")
	v.SetDefault("persist.breaker_timeout", "30s")
	v.SetDefault("resume_grace", "2m")
	v.SetDefault("sweep_interval", "5s")
	v.SetDefault("api_rate_limit", 300)
	v.SetDefault("allowed_origins", []string{"*"})
	return nil
}

// LoadConfig loads the configuration from .env, config.yaml in the given directories
// (the working directory by default) and environment variables, in increasing order
// of precedence. A missing .env or config file is not an error.
// Any invalid configuration will not be loaded, and the error wil be cought in the validation step.
func LoadConfig(dirs ...string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if len(dirs) == 0 {
		dirs = []string{"."}
	}
	for _, dir := range dirs {
		v.AddConfigPath(dir)
	}
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := setDefaults(v); err != nil {
		return nil, err
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	config := &Config{}
	if err := v.Unmarshal(config,
		viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
			mapstructure.TextUnmarshallerHookFunc(),
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(",")),
		),
	); err != nil {
		// defer error to validation step
		return config, nil
	}
	return config, nil
}

func (c *Config) Validate() error {
	if c.valid {
		return nil
	}
	err := validate.Struct(c)
	if err != nil {
		return err
	}
	if (c.TLS.Crt == "") != (c.TLS.Key == "") {
		return errors.New("tls.crt and tls.key must be set together")
	}
	c.valid = true
	return nil
}

func FormatValidationErrors(err error) string {
	var errs validator.ValidationErrors
	if !errors.As(err, &errs) {
		return err.Error()
	}
	trans, _ := uniTrans.GetTranslator("en")
	translated := errs.Translate(trans)

	var sb strings.Builder
	for _, v := range slices.Sorted(maps.Values(translated)) {
		sb.WriteString(v)
		sb.WriteString("\n")
	}
	return sb.String()
}
