package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DefaultFile is read when no config file is given and it exists.
const DefaultFile = "telertc.yaml"

// Config holds the application configuration.
type Config struct {
	APIBaseURL     string
	Token          string
	ConsultationID string
	DisplayName    string
	Group          string

	Reconnect         bool
	ReconnectAttempts int
	ReconnectInterval time.Duration
	PingInterval      time.Duration

	ICEDisconnectTimeout time.Duration
	ResubscribeDelay     time.Duration
	MaxRecoveryAttempts  int

	VideoFile   string
	AudioFile   string
	RecordDir   string
	MetricsAddr string
	LogLevel    string
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		APIBaseURL:           "https://api.telehealth.local",
		DisplayName:          "telertc",
		Reconnect:            true,
		ReconnectAttempts:    5,
		ReconnectInterval:    2 * time.Second,
		PingInterval:         25 * time.Second,
		ICEDisconnectTimeout: 5 * time.Second,
		ResubscribeDelay:     time.Second,
		MaxRecoveryAttempts:  5,
		LogLevel:             "info",
	}
}

// Overrides are values set explicitly on the command line. Nil fields
// leave the loaded value alone.
type Overrides struct {
	APIBaseURL     *string
	Token          *string
	ConsultationID *string
	DisplayName    *string
	Group          *string

	Reconnect         *bool
	ReconnectAttempts *int
	ReconnectInterval *time.Duration
	PingInterval      *time.Duration

	VideoFile   *string
	AudioFile   *string
	RecordDir   *string
	MetricsAddr *string
	LogLevel    *string
}

// rawFile is the YAML shape. Durations are Go duration strings.
type rawFile struct {
	API struct {
		BaseURL string `yaml:"base_url"`
		Token   string `yaml:"token"`
	} `yaml:"api"`
	Consultation string `yaml:"consultation"`
	DisplayName  string `yaml:"display_name"`
	Group        string `yaml:"group"`
	Signaling    struct {
		Reconnect         *bool  `yaml:"reconnect"`
		ReconnectAttempts *int   `yaml:"reconnect_attempts"`
		ReconnectInterval string `yaml:"reconnect_interval"`
		PingInterval      string `yaml:"ping_interval"`
	} `yaml:"signaling"`
	ICE struct {
		DisconnectTimeout   string `yaml:"disconnect_timeout"`
		ResubscribeDelay    string `yaml:"resubscribe_delay"`
		MaxRecoveryAttempts *int   `yaml:"max_recovery_attempts"`
	} `yaml:"ice"`
	Media struct {
		Video     string `yaml:"video"`
		Audio     string `yaml:"audio"`
		RecordDir string `yaml:"record_dir"`
	} `yaml:"media"`
	MetricsAddr string `yaml:"metrics_addr"`
	LogLevel    string `yaml:"log_level"`
}

// Load builds the configuration from defaults, the YAML file at path (or
// DefaultFile if present), a .env file and the environment, then ov.
// Later sources win.
func Load(path string, ov Overrides) (*Config, error) {
	cfg := Defaults()

	if path == "" {
		if _, err := os.Stat(DefaultFile); err == nil {
			path = DefaultFile
		}
	}
	if path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	// godotenv.Load does not overwrite existing env vars
	_ = godotenv.Load()
	if err := applyEnv(&cfg); err != nil {
		return nil, err
	}

	applyOverrides(&cfg, ov)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the settings required to join a consultation.
func (c *Config) Validate() error {
	if c.Token == "" {
		return fmt.Errorf("TELERTC_TOKEN environment variable or --token is required")
	}
	if c.ConsultationID == "" {
		return fmt.Errorf("TELERTC_CONSULTATION environment variable or --consultation is required")
	}
	if c.APIBaseURL == "" {
		return fmt.Errorf("api base url is required")
	}
	if c.ReconnectAttempts < 0 {
		return fmt.Errorf("reconnect attempts must not be negative")
	}
	return nil
}

func loadFile(path string, cfg *Config) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	var raw rawFile
	if err := yaml.NewDecoder(f).Decode(&raw); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("decode config %s: %w", path, err)
	}

	setString(&cfg.APIBaseURL, raw.API.BaseURL)
	setString(&cfg.Token, raw.API.Token)
	setString(&cfg.ConsultationID, raw.Consultation)
	setString(&cfg.DisplayName, raw.DisplayName)
	setString(&cfg.Group, raw.Group)
	if raw.Signaling.Reconnect != nil {
		cfg.Reconnect = *raw.Signaling.Reconnect
	}
	if raw.Signaling.ReconnectAttempts != nil {
		cfg.ReconnectAttempts = *raw.Signaling.ReconnectAttempts
	}
	if raw.ICE.MaxRecoveryAttempts != nil {
		cfg.MaxRecoveryAttempts = *raw.ICE.MaxRecoveryAttempts
	}
	for _, d := range []struct {
		key string
		val string
		dst *time.Duration
	}{
		{"signaling.reconnect_interval", raw.Signaling.ReconnectInterval, &cfg.ReconnectInterval},
		{"signaling.ping_interval", raw.Signaling.PingInterval, &cfg.PingInterval},
		{"ice.disconnect_timeout", raw.ICE.DisconnectTimeout, &cfg.ICEDisconnectTimeout},
		{"ice.resubscribe_delay", raw.ICE.ResubscribeDelay, &cfg.ResubscribeDelay},
	} {
		if err := setDuration(d.dst, d.val); err != nil {
			return fmt.Errorf("config %s: %w", d.key, err)
		}
	}
	setString(&cfg.VideoFile, raw.Media.Video)
	setString(&cfg.AudioFile, raw.Media.Audio)
	setString(&cfg.RecordDir, raw.Media.RecordDir)
	setString(&cfg.MetricsAddr, raw.MetricsAddr)
	setString(&cfg.LogLevel, raw.LogLevel)
	return nil
}

func applyEnv(cfg *Config) error {
	setString(&cfg.APIBaseURL, os.Getenv("TELERTC_API_URL"))
	setString(&cfg.Token, os.Getenv("TELERTC_TOKEN"))
	setString(&cfg.ConsultationID, os.Getenv("TELERTC_CONSULTATION"))
	setString(&cfg.DisplayName, os.Getenv("TELERTC_DISPLAY_NAME"))
	setString(&cfg.Group, os.Getenv("TELERTC_GROUP"))
	setString(&cfg.VideoFile, os.Getenv("TELERTC_VIDEO_FILE"))
	setString(&cfg.AudioFile, os.Getenv("TELERTC_AUDIO_FILE"))
	setString(&cfg.RecordDir, os.Getenv("TELERTC_RECORD_DIR"))
	setString(&cfg.MetricsAddr, os.Getenv("TELERTC_METRICS_ADDR"))
	setString(&cfg.LogLevel, os.Getenv("LOG_LEVEL"))

	if v := os.Getenv("TELERTC_RECONNECT"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("TELERTC_RECONNECT: %w", err)
		}
		cfg.Reconnect = b
	}
	for _, n := range []struct {
		key string
		dst *int
	}{
		{"TELERTC_RECONNECT_ATTEMPTS", &cfg.ReconnectAttempts},
		{"TELERTC_MAX_RECOVERY_ATTEMPTS", &cfg.MaxRecoveryAttempts},
	} {
		if v := os.Getenv(n.key); v != "" {
			i, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%s: %w", n.key, err)
			}
			*n.dst = i
		}
	}
	for _, d := range []struct {
		key string
		dst *time.Duration
	}{
		{"TELERTC_RECONNECT_INTERVAL", &cfg.ReconnectInterval},
		{"TELERTC_PING_INTERVAL", &cfg.PingInterval},
		{"TELERTC_ICE_DISCONNECT_TIMEOUT", &cfg.ICEDisconnectTimeout},
		{"TELERTC_RESUBSCRIBE_DELAY", &cfg.ResubscribeDelay},
	} {
		if err := setDuration(d.dst, os.Getenv(d.key)); err != nil {
			return fmt.Errorf("%s: %w", d.key, err)
		}
	}
	return nil
}

func applyOverrides(cfg *Config, ov Overrides) {
	override(&cfg.APIBaseURL, ov.APIBaseURL)
	override(&cfg.Token, ov.Token)
	override(&cfg.ConsultationID, ov.ConsultationID)
	override(&cfg.DisplayName, ov.DisplayName)
	override(&cfg.Group, ov.Group)
	override(&cfg.Reconnect, ov.Reconnect)
	override(&cfg.ReconnectAttempts, ov.ReconnectAttempts)
	override(&cfg.ReconnectInterval, ov.ReconnectInterval)
	override(&cfg.PingInterval, ov.PingInterval)
	override(&cfg.VideoFile, ov.VideoFile)
	override(&cfg.AudioFile, ov.AudioFile)
	override(&cfg.RecordDir, ov.RecordDir)
	override(&cfg.MetricsAddr, ov.MetricsAddr)
	override(&cfg.LogLevel, ov.LogLevel)
}

func override[T any](dst *T, v *T) {
	if v != nil {
		*dst = *v
	}
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setDuration(dst *time.Duration, v string) error {
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return err
	}
	*dst = d
	return nil
}
