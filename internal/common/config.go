package common

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/robfig/cron/v3"
)

// Config represents the application configuration
type Config struct {
	Environment string          `toml:"environment"` // "development" or "production"
	Server      ServerConfig    `toml:"server"`
	Logging     LoggingConfig   `toml:"logging"`
	Storage     StorageConfig   `toml:"storage"`
	Queue       QueueConfig     `toml:"queue"`
	Portal      PortalConfig    `toml:"portal"`
	Messaging   MessagingConfig `toml:"messaging"`
	Progress    ProgressConfig  `toml:"progress"`
	Batch       BatchConfig     `toml:"batch"`
	Cleanup     CleanupConfig   `toml:"cleanup"`
}

type ServerConfig struct {
	Port         int      `toml:"port"`
	Host         string   `toml:"host"`
	AllowOrigins []string `toml:"allow_origins"` // CORS origins, "*" allows all
	TenantHeader string   `toml:"tenant_header"` // Header carrying the authenticated tenant id
}

type LoggingConfig struct {
	Level      string   `toml:"level"`       // "debug", "info", "warn", "error"
	Output     []string `toml:"output"`      // "stdout", "file"
	TimeFormat string   `toml:"time_format"` // Time format for logs (default: "15:04:05")
	Dir        string   `toml:"dir"`         // Log directory, relative to the executable when not absolute
}

type StorageConfig struct {
	Badger     BadgerConfig     `toml:"badger"`
	SQLite     SQLiteConfig     `toml:"sqlite"`
	Filesystem FilesystemConfig `toml:"filesystem"`
}

// BadgerConfig holds the queue and batch history store location
type BadgerConfig struct {
	Path           string `toml:"path"`
	ResetOnStartup bool   `toml:"reset_on_startup"` // Delete database on startup for clean test runs
}

// SQLiteConfig holds the messaging session and uploaded file store location
type SQLiteConfig struct {
	Path          string `toml:"path"`
	BusyTimeoutMS int    `toml:"busy_timeout_ms"`
	WALMode       bool   `toml:"wal_mode"`
}

type FilesystemConfig struct {
	Downloads string `toml:"downloads"` // Batch-scoped artifact directories live here
	Temp      string `toml:"temp"`      // Uploaded spreadsheets and generated reports
}

type QueueConfig struct {
	PollInterval         string `toml:"poll_interval"`         // e.g. "1s", max idle backoff between polls
	VisibilityTimeout    string `toml:"visibility_timeout"`    // Lease length before an unacknowledged job is redelivered
	Attempts             int    `toml:"attempts"`              // Deliveries before a job is failed
	Backoff              string `toml:"backoff"`               // Delay before a failed job is retried
	Exponential          bool   `toml:"exponential"`           // Double the backoff on each attempt
	MaxDeferrals         int    `toml:"max_deferrals"`         // Deferrals allowed while a session is not ready
	DeferDelay           string `toml:"defer_delay"`           // Delay applied to a deferred job
	RetrievalConcurrency int    `toml:"retrieval_concurrency"` // Workers on the retrieval queue
	DeliveryConcurrency  int    `toml:"delivery_concurrency"`  // Workers on the delivery queue
}

// PortalConfig drives the browser pool and the retrieval state machine
type PortalConfig struct {
	URL                  string `toml:"url"`
	MaxConcurrency       int    `toml:"max_concurrency"`
	PoolTimeout          string `toml:"pool_timeout"`
	RetryLimit           int    `toml:"retry_limit"`
	RetryDelay           string `toml:"retry_delay"`
	MaxDueLineInjections int    `toml:"max_due_line_injections"`
	Headless             bool   `toml:"headless"`
	NoSandbox            bool   `toml:"no_sandbox"`
	UserAgent            string `toml:"user_agent"`
	SearchTimeout        string `toml:"search_timeout"`
	DebtTimeout          string `toml:"debt_timeout"`
	TermsTimeout         string `toml:"terms_timeout"`
	GenerateTimeout      string `toml:"generate_timeout"`
	ModalTimeout         string `toml:"modal_timeout"`
	ArtifactTimeout      string `toml:"artifact_timeout"`
	ValidatePDF          bool   `toml:"validate_pdf"`
}

type MessagingConfig struct {
	PhonePrefix    string  `toml:"phone_prefix"`    // Recipients must start with this prefix
	SendRate       float64 `toml:"send_rate"`       // Sends per second per tenant
	SendBurst      int     `toml:"send_burst"`
	PairingTimeout string  `toml:"pairing_timeout"` // How long a pairing challenge stays valid
	DefaultCaption string  `toml:"default_caption"` // Used when the operator message is empty, {name} is replaced
	RestoreOnStart bool    `toml:"restore_on_start"`
}

type ProgressConfig struct {
	BufferSize int `toml:"buffer_size"` // Per-subscription buffered events before drops
}

// BatchConfig maps spreadsheet columns onto client records
type BatchConfig struct {
	DefaultMode  string `toml:"default_mode"` // "direct" or "queued"
	RefColumn    int    `toml:"ref_column"`
	PhoneColumns []int  `toml:"phone_columns"`
	NameColumn   int    `toml:"name_column"`
	ReportName   string `toml:"report_name"`
	ReportSheet  string `toml:"report_sheet"`
}

type CleanupConfig struct {
	Enabled  bool   `toml:"enabled"`
	Schedule string `toml:"schedule"` // Cron schedule format
	MaxAge   string `toml:"max_age"`
}

// NewDefaultConfig creates a configuration with default values
// Technical parameters are hardcoded here for production stability.
// Only user-facing settings should be exposed in dunner.toml.
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Server: ServerConfig{
			Port:         8085,
			Host:         "localhost",
			AllowOrigins: []string{"*"},
			TenantHeader: "X-Tenant-ID",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Output:     []string{"stdout", "file"},
			TimeFormat: "15:04:05",
			Dir:        "logs",
		},
		Storage: StorageConfig{
			Badger: BadgerConfig{
				Path: "./data/badger",
			},
			SQLite: SQLiteConfig{
				Path:          "./data/dunner.db",
				BusyTimeoutMS: 10000,
				WALMode:       true,
			},
			Filesystem: FilesystemConfig{
				Downloads: "./data/downloads",
				Temp:      "./data/temp",
			},
		},
		Queue: QueueConfig{
			PollInterval:         "1s",
			VisibilityTimeout:    "5m",
			Attempts:             3,
			Backoff:              "5s",
			MaxDeferrals:         20,
			DeferDelay:           "15s",
			RetrievalConcurrency: 8,
			DeliveryConcurrency:  5,
		},
		Portal: PortalConfig{
			URL:                  "https://www.aguascordobesas.com.ar/espacioClientes/seccion/gestionDeuda",
			MaxConcurrency:       8,
			PoolTimeout:          "200s",
			RetryLimit:           3,
			RetryDelay:           "2s",
			MaxDueLineInjections: 3,
			Headless:             true,
			NoSandbox:            true,
			UserAgent:            "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
			SearchTimeout:        "10s",
			DebtTimeout:          "5s",
			TermsTimeout:         "60s",
			GenerateTimeout:      "35s",
			ModalTimeout:         "5s",
			ArtifactTimeout:      "30s",
			ValidatePDF:          true,
		},
		Messaging: MessagingConfig{
			PhonePrefix:    "549351",
			SendRate:       1,
			SendBurst:      1,
			PairingTimeout: "60s",
			DefaultCaption: "Hola {name}, te envío el PDF actualizado de la CUOTA PLAN DE PAGOS. Por favor, no dejes que venza. Puedes realizar el abono en cualquier Rapipago, Pago Fácil o a través de Mercado Pago.\n\n🌐 Cclip \n🔹 Al servicio de Aguas Cordobesas.",
			RestoreOnStart: true,
		},
		Progress: ProgressConfig{
			BufferSize: 64,
		},
		Batch: BatchConfig{
			DefaultMode:  "direct",
			RefColumn:    0,
			PhoneColumns: []int{1, 2},
			NameColumn:   13,
			ReportName:   "clientes-sin-deuda.xlsx",
			ReportSheet:  "ClientesSinDeuda",
		},
		Cleanup: CleanupConfig{
			Enabled:  true,
			Schedule: "0 0 * * *", // Daily at midnight
			MaxAge:   "24h",
		},
	}
}

// LoadFromFiles loads configuration with priority: default -> file1 -> file2 -> ... -> env
// Later files override earlier files. CLI flags are applied afterwards by ApplyFlagOverrides.
func LoadFromFiles(paths ...string) (*Config, error) {
	config := NewDefaultConfig()

	for i, path := range paths {
		if path == "" {
			continue
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}

		// Unmarshal into config (merges with existing values, later values override)
		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s (file %d of %d): %w", path, i+1, len(paths), err)
		}
	}

	applyEnvOverrides(config)

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// applyEnvOverrides applies environment variable overrides to config
func applyEnvOverrides(config *Config) {
	if env := os.Getenv("DUNNER_ENV"); env != "" {
		config.Environment = env
	}

	// Server configuration
	if port := os.Getenv("DUNNER_SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}
	if host := os.Getenv("DUNNER_SERVER_HOST"); host != "" {
		config.Server.Host = host
	}

	// Logging configuration
	if level := os.Getenv("DUNNER_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}
	if output := os.Getenv("DUNNER_LOG_OUTPUT"); output != "" {
		if outputs := splitList(output); len(outputs) > 0 {
			config.Logging.Output = outputs
		}
	}

	// Storage configuration
	if badgerPath := os.Getenv("DUNNER_BADGER_PATH"); badgerPath != "" {
		config.Storage.Badger.Path = badgerPath
	}
	if sqlitePath := os.Getenv("DUNNER_SQLITE_PATH"); sqlitePath != "" {
		config.Storage.SQLite.Path = sqlitePath
	}
	if downloads := os.Getenv("DUNNER_DOWNLOADS_DIR"); downloads != "" {
		config.Storage.Filesystem.Downloads = downloads
	}
	if temp := os.Getenv("DUNNER_TEMP_DIR"); temp != "" {
		config.Storage.Filesystem.Temp = temp
	}

	// Queue configuration
	if attempts := os.Getenv("DUNNER_QUEUE_ATTEMPTS"); attempts != "" {
		if a, err := strconv.Atoi(attempts); err == nil {
			config.Queue.Attempts = a
		}
	}
	if backoff := os.Getenv("DUNNER_QUEUE_BACKOFF"); backoff != "" {
		config.Queue.Backoff = backoff
	}

	// Portal configuration
	if url := os.Getenv("DUNNER_PORTAL_URL"); url != "" {
		config.Portal.URL = url
	}
	if concurrency := os.Getenv("DUNNER_PORTAL_MAX_CONCURRENCY"); concurrency != "" {
		if c, err := strconv.Atoi(concurrency); err == nil {
			config.Portal.MaxConcurrency = c
		}
	}
	if headless := os.Getenv("DUNNER_PORTAL_HEADLESS"); headless != "" {
		if h, err := strconv.ParseBool(headless); err == nil {
			config.Portal.Headless = h
		}
	}

	// Messaging configuration
	if prefix := os.Getenv("DUNNER_PHONE_PREFIX"); prefix != "" {
		config.Messaging.PhonePrefix = prefix
	}
}

// ApplyFlagOverrides applies command-line flag overrides to config
func ApplyFlagOverrides(config *Config, port int, host string) {
	if port > 0 {
		config.Server.Port = port
	}
	if host != "" {
		config.Server.Host = host
	}
}

// Validate checks values that would otherwise fail deep inside a service.
func (c *Config) Validate() error {
	if c.Portal.MaxConcurrency < 1 {
		return fmt.Errorf("portal.max_concurrency must be at least 1, got %d", c.Portal.MaxConcurrency)
	}
	if c.Queue.Attempts < 1 {
		return fmt.Errorf("queue.attempts must be at least 1, got %d", c.Queue.Attempts)
	}
	if c.Queue.RetrievalConcurrency < 1 || c.Queue.DeliveryConcurrency < 1 {
		return fmt.Errorf("queue concurrency must be at least 1")
	}
	switch c.Batch.DefaultMode {
	case "direct", "queued":
	default:
		return fmt.Errorf("batch.default_mode must be \"direct\" or \"queued\", got %q", c.Batch.DefaultMode)
	}
	if c.Cleanup.Enabled {
		if err := ValidateSchedule(c.Cleanup.Schedule); err != nil {
			return fmt.Errorf("cleanup.schedule: %w", err)
		}
	}
	return nil
}

// ValidateSchedule validates a standard 5-field cron expression.
func ValidateSchedule(schedule string) error {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	if _, err := parser.Parse(schedule); err != nil {
		return fmt.Errorf("invalid cron schedule %q: %w", schedule, err)
	}
	return nil
}

// IsProduction returns true if the environment is set to production
func (c *Config) IsProduction() bool {
	env := strings.ToLower(c.Environment)
	return env == "production" || env == "prod"
}

// ParseDuration parses a config duration string, returning fallback when it is
// empty or malformed.
func ParseDuration(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil || d < 0 {
		return fallback
	}
	return d
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
