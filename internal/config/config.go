package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
	"github.com/openclimatefix/Satip-sub000/internal/domain"
)

// PathEnvVar overrides the YAML file location.
const PathEnvVar = "CONFIG_PATH"

// DefaultPath is read when present and CONFIG_PATH is unset.
const DefaultPath = "satip.yaml"

// Providers selectable with PROVIDER.
const (
	ProviderEUMETSAT = "eumetsat"
	ProviderGOES     = "goes"
	ProviderHimawari = "himawari"
)

// Config holds all service settings. Keys are the lower-cased environment
// variable names.
type Config struct {
	APIKey           string        `koanf:"api_key"`
	APISecret        string        `koanf:"api_secret"`
	SaveDir          string        `koanf:"save_dir" validate:"required"`
	SaveDirNative    string        `koanf:"save_dir_native" validate:"required"`
	HistoryRaw       string        `koanf:"history"`
	StartTimeRaw     string        `koanf:"start_time"`
	Cleanup          bool          `koanf:"cleanup"`
	UseHRSEVIRI      bool          `koanf:"use_hr_serviri"`
	UseIODC          bool          `koanf:"use_iodc"`
	UseRescaler      bool          `koanf:"use_rescaler"`
	MaxDatasets      int           `koanf:"maximum_n_datasets" validate:"min=-1"`
	Provider         string        `koanf:"provider" validate:"oneof=eumetsat goes himawari"`
	Region           string        `koanf:"region"`
	ReaderCommand    string        `koanf:"reader_command"`
	CodecQuality     int           `koanf:"codec_quality" validate:"min=1,max=100"`
	Shuffle          bool          `koanf:"shuffle"`
	ShuffleSeed      uint64        `koanf:"shuffle_seed"`
	RetryDirty       bool          `koanf:"retry_dirty"`
	LedgerDir        string        `koanf:"ledger_dir"`
	KafkaBrokers     []string      `koanf:"kafka_brokers"`
	KafkaTopic       string        `koanf:"kafka_topic"`
	HTTPAddr         string        `koanf:"http_addr" validate:"required"`
	ScheduleInterval time.Duration `koanf:"schedule_interval" validate:"min=0"`
	LogLevel         string        `koanf:"log_level" validate:"oneof=debug info warn warning error"`
	LogFormat        string        `koanf:"log_format" validate:"oneof=json console"`
	HTTPTimeout      time.Duration `koanf:"http_timeout" validate:"gt=0"`
	RequestsPerSec   float64       `koanf:"requests_per_second" validate:"gt=0"`
	TailorFormat     string        `koanf:"tailor_format"`
	BackfillWorkers  int           `koanf:"backfill_workers" validate:"min=1"`
	ShutdownTimeout  time.Duration `koanf:"shutdown_timeout" validate:"gt=0"`

	// Derived from HistoryRaw and StartTimeRaw by Load.
	History   time.Duration `koanf:"-"`
	StartTime time.Time     `koanf:"-"`
}

func defaults() Config {
	return Config{
		SaveDir:         "data",
		SaveDirNative:   filepath.Join("data", "native"),
		HistoryRaw:      "60 minutes",
		StartTimeRaw:    "now",
		MaxDatasets:     -1,
		Provider:        ProviderEUMETSAT,
		CodecQuality:    75,
		Shuffle:         true,
		KafkaBrokers:    []string{},
		KafkaTopic:      "satip-archive-events",
		HTTPAddr:        ":8080",
		LogLevel:        "info",
		LogFormat:       "json",
		HTTPTimeout:     5 * time.Minute,
		RequestsPerSec:  5,
		BackfillWorkers: 4,
		ShutdownTimeout: 10 * time.Second,
	}
}

// Load reads configuration from struct defaults, an optional YAML file, an
// optional .env file and the environment, in increasing precedence.
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaults(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}
	known := map[string]bool{}
	for _, key := range k.Keys() {
		known[key] = true
	}

	if path := configPath(); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	envProvider := env.Provider("", ".", func(key string) string {
		key = strings.ToLower(key)
		if !known[key] {
			return ""
		}
		return key
	})
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.KafkaBrokers = trimAll(cfg.KafkaBrokers)

	if err := cfg.finish(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func configPath() string {
	if p := os.Getenv(PathEnvVar); p != "" {
		return p
	}
	if _, err := os.Stat(DefaultPath); err == nil {
		return DefaultPath
	}
	return ""
}

func trimAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

var validate = validator.New(validator.WithRequiredStructEnabled())

func (c *Config) finish() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return fmt.Errorf("invalid %s: failed %q check", envName(verrs[0].StructField()), verrs[0].Tag())
		}
		return fmt.Errorf("invalid config: %w", err)
	}

	history, err := ParseHistory(c.HistoryRaw)
	if err != nil {
		return fmt.Errorf("invalid HISTORY: %w", err)
	}
	c.History = history

	start, err := ParseStartTime(c.StartTimeRaw)
	if err != nil {
		return fmt.Errorf("invalid START_TIME: %w", err)
	}
	c.StartTime = start

	if c.Provider == ProviderEUMETSAT && (c.APIKey == "" || c.APISecret == "") {
		return errors.New("API_KEY and API_SECRET are required for the eumetsat provider")
	}
	if c.UseIODC && c.UseHRSEVIRI {
		return errors.New("USE_IODC and USE_HR_SERVIRI are mutually exclusive")
	}
	if c.Provider != ProviderEUMETSAT && (c.UseIODC || c.UseHRSEVIRI) {
		return fmt.Errorf("USE_IODC and USE_HR_SERVIRI need PROVIDER=eumetsat, got %q", c.Provider)
	}
	if c.Region != "" {
		if _, err := domain.LookupRegion(c.Region); err != nil {
			return fmt.Errorf("invalid REGION: %w", err)
		}
	}
	if c.TailorFormat != "" && c.Provider != ProviderEUMETSAT {
		return errors.New("TAILOR_FORMAT needs PROVIDER=eumetsat")
	}
	if len(c.KafkaBrokers) > 0 && c.KafkaTopic == "" {
		return errors.New("KAFKA_TOPIC is required when KAFKA_BROKERS is set")
	}
	if c.LedgerDir == "" {
		c.LedgerDir = filepath.Join(c.SaveDir, ".ledger")
	}
	return nil
}

var envNames = map[string]string{
	"MaxDatasets":    "MAXIMUM_N_DATASETS",
	"UseHRSEVIRI":    "USE_HR_SERVIRI",
	"RequestsPerSec": "REQUESTS_PER_SECOND",
	"HTTPAddr":       "HTTP_ADDR",
	"HTTPTimeout":    "HTTP_TIMEOUT",
}

// envName converts a struct field name to its environment variable.
func envName(field string) string {
	if n, ok := envNames[field]; ok {
		return n
	}
	var b strings.Builder
	for i, r := range field {
		if i > 0 && r >= 'A' && r <= 'Z' {
			b.WriteByte('_')
		}
		b.WriteRune(r)
	}
	return strings.ToUpper(b.String())
}

// ParseHistory accepts Go durations ("1h30m") and "<n> minutes|hours|days".
func ParseHistory(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if d, err := time.ParseDuration(s); err == nil {
		if d <= 0 {
			return 0, fmt.Errorf("history must be positive, got %s", s)
		}
		return d, nil
	}
	fields := strings.Fields(s)
	if len(fields) != 2 {
		return 0, fmt.Errorf("cannot parse %q", s)
	}
	n, err := strconv.Atoi(fields[0])
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("cannot parse %q", s)
	}
	var unit time.Duration
	switch strings.TrimSuffix(strings.ToLower(fields[1]), "s") {
	case "minute":
		unit = time.Minute
	case "hour":
		unit = time.Hour
	case "day":
		unit = 24 * time.Hour
	default:
		return 0, fmt.Errorf("unknown unit in %q", s)
	}
	return time.Duration(n) * unit, nil
}

// ParseStartTime parses an ISO timestamp as UTC. "now" and "" yield the
// current time.
func ParseStartTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" || strings.EqualFold(s, "now") {
		return domain.Now(), nil
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02T15:04", "2006-01-02 15:04", time.DateOnly} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("cannot parse %q", s)
}

// ProductID selects the primary product for the configured provider.
func (c *Config) ProductID() string {
	switch {
	case c.Provider == ProviderGOES:
		return domain.ProductABI
	case c.Provider == ProviderHimawari:
		return domain.ProductAHI
	case c.UseIODC:
		return domain.ProductIODC
	case c.UseHRSEVIRI:
		return domain.ProductFullDisk
	default:
		return domain.ProductRSS
	}
}

// KafkaEnabled reports whether archive events are published.
func (c *Config) KafkaEnabled() bool { return len(c.KafkaBrokers) > 0 }
