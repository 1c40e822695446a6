package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Bound parameter ceilings per statement for the supported stores.
const (
	PostgresMaxParameters = 65535
	SQLiteMaxParameters   = 32766
)

type Config struct {
	Database    DatabaseConfig    `yaml:"database"`
	Import      ImportConfig      `yaml:"import"`
	Maintenance MaintenanceConfig `yaml:"maintenance"`
	Logging     LoggingConfig     `yaml:"logging"`
}

type DatabaseConfig struct {
	Driver   string `yaml:"driver" validate:"oneof=postgres pgx sqlite"`
	URL      string `yaml:"url"` // overrides every other connection field when set
	Host     string `yaml:"host"`
	Port     string `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	DBName   string `yaml:"dbname"`
	SSLMode  string `yaml:"sslmode"`
	Path     string `yaml:"path"` // sqlite database file
}

// ImportConfig bounds how a feed is written to the store.
type ImportConfig struct {
	// MaxParameters is the ceiling on bound parameters in one bulk insert.
	// Zero selects the driver's default.
	MaxParameters  int           `yaml:"max_parameters" validate:"gt=0"`
	ChunkTimeout   time.Duration `yaml:"chunk_timeout" validate:"gte=0"`
	ParallelLevels bool          `yaml:"parallel_levels"`
}

// MaintenanceConfig controls the upkeep run after an import.
type MaintenanceConfig struct {
	KeepSessions int  `yaml:"keep_sessions" validate:"gte=0"` // finished sessions kept in the log
	Vacuum       bool `yaml:"vacuum"`
}

type LoggingConfig struct {
	Level    string `yaml:"level" validate:"omitempty,oneof=debug info warn warning error fatal disabled off"`
	FilePath string `yaml:"file"`
}

// Load builds the configuration from defaults, the optional YAML file named
// by STM_CONFIG, and environment overrides, in that order.
func Load() (*Config, error) {
	cfg := Default()

	if path := os.Getenv("STM_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	cfg.Database = DatabaseConfig{
		Driver:   getEnv("DB_DRIVER", cfg.Database.Driver),
		URL:      getEnv("DB_URL", cfg.Database.URL),
		Host:     getEnv("DB_HOST", cfg.Database.Host),
		Port:     getEnv("DB_PORT", cfg.Database.Port),
		User:     getEnv("DB_USER", cfg.Database.User),
		Password: getEnv("DB_PASSWORD", cfg.Database.Password),
		DBName:   getEnv("DB_NAME", cfg.Database.DBName),
		SSLMode:  getEnv("DB_SSLMODE", cfg.Database.SSLMode),
		Path:     getEnv("DB_PATH", cfg.Database.Path),
	}
	cfg.Import = ImportConfig{
		MaxParameters:  getIntEnv("IMPORT_MAX_PARAMETERS", cfg.Import.MaxParameters),
		ChunkTimeout:   getDurationEnv("IMPORT_CHUNK_TIMEOUT", cfg.Import.ChunkTimeout),
		ParallelLevels: getBoolEnv("IMPORT_PARALLEL_LEVELS", cfg.Import.ParallelLevels),
	}
	cfg.Maintenance = MaintenanceConfig{
		KeepSessions: getIntEnv("MAINTENANCE_KEEP_SESSIONS", cfg.Maintenance.KeepSessions),
		Vacuum:       getBoolEnv("MAINTENANCE_VACUUM", cfg.Maintenance.Vacuum),
	}
	cfg.Logging = LoggingConfig{
		Level:    getEnv("LOG_LEVEL", cfg.Logging.Level),
		FilePath: getEnv("LOG_FILE", cfg.Logging.FilePath),
	}

	if cfg.Import.MaxParameters == 0 {
		cfg.Import.MaxParameters = DefaultMaxParameters(cfg.Database.Driver)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the configuration used when nothing is overridden.
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{
			Driver:  "postgres",
			Host:    "localhost",
			Port:    "5432",
			User:    "postgres",
			DBName:  "stm",
			SSLMode: "disable",
			Path:    "stm.db",
		},
		Import: ImportConfig{
			ChunkTimeout: 30 * time.Second,
		},
		Maintenance: MaintenanceConfig{
			KeepSessions: 20,
		},
		Logging: LoggingConfig{
			Level:    "info",
			FilePath: "stm-data.log",
		},
	}
}

// DefaultMaxParameters returns the per-statement bound parameter limit of driver.
func DefaultMaxParameters(driver string) int {
	if driver == "sqlite" {
		return SQLiteMaxParameters
	}
	return PostgresMaxParameters
}

func (c *Config) Validate() error {
	v := validator.New()
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return c.Database.Validate()
}

func (c *DatabaseConfig) Validate() error {
	if c.URL != "" {
		return nil
	}
	switch c.Driver {
	case "sqlite":
		if c.Path == "" {
			return fmt.Errorf("sqlite driver requires DB_PATH or DB_URL")
		}
	case "postgres", "pgx":
		if c.Host == "" || c.DBName == "" {
			return fmt.Errorf("%s driver requires DB_HOST and DB_NAME or DB_URL", c.Driver)
		}
	default:
		return fmt.Errorf("unsupported database driver %q", c.Driver)
	}
	return nil
}

// ConnectionString returns the store connection target for the configured driver.
func (c *DatabaseConfig) ConnectionString() string {
	if c.URL != "" {
		return c.URL
	}
	switch c.Driver {
	case "sqlite":
		return SQLiteDSN(c.Path)
	case "pgx":
		u := url.URL{
			Scheme:   "postgres",
			User:     url.UserPassword(c.User, c.Password),
			Host:     c.Host + ":" + c.Port,
			Path:     c.DBName,
			RawQuery: "sslmode=" + c.SSLMode,
		}
		return u.String()
	default:
		return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
			c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode)
	}
}

// SQLiteDSN returns a DSN for path with foreign key enforcement enabled.
func SQLiteDSN(path string) string {
	return "file:" + path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
