package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Database     DatabaseConfig     `mapstructure:"database"`
	Workflow     WorkflowConfig     `mapstructure:"workflow"`
	Directory    DirectoryConfig    `mapstructure:"directory"`
	Notification NotificationConfig `mapstructure:"notification"`
	Logger       LoggerConfig       `mapstructure:"logger"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path            string        `mapstructure:"path"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	MigrationsDir   string        `mapstructure:"migrations_dir"`
}

// WorkflowConfig holds approval engine configuration
type WorkflowConfig struct {
	// QuizPassThreshold is the fraction of quiz questions that must be
	// correct; 1.0 requires all of them.
	QuizPassThreshold float64 `mapstructure:"quiz_pass_threshold"`

	// ResolveRetries bounds retries after optimistic-concurrency conflicts.
	ResolveRetries int `mapstructure:"resolve_retries"`

	// DefaultEscalationUser receives escalated steps whose template names
	// no escalation target.
	DefaultEscalationUser string `mapstructure:"default_escalation_user"`

	// SweepSchedule is the escalation sweep cron spec, e.g. "@every 2m".
	SweepSchedule string `mapstructure:"sweep_schedule"`
}

// DirectoryConfig holds org-directory lookup configuration
type DirectoryConfig struct {
	CacheTTL           time.Duration `mapstructure:"cache_ttl"`
	CacheSweepInterval time.Duration `mapstructure:"cache_sweep_interval"`
}

// NotificationConfig holds event dispatch configuration
type NotificationConfig struct {
	BufferSize int `mapstructure:"buffer_size"`
}

// LoggerConfig holds logger configuration
type LoggerConfig struct {
	Level      string `mapstructure:"level"`
	OutputPath string `mapstructure:"output_path"`
	Format     string `mapstructure:"format"`
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	viper.SetConfigFile(configPath)
	viper.SetConfigType("yaml")
	viper.AutomaticEnv()

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	bindEnvVars()

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

func setDefaults() {
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.read_timeout", 30*time.Second)
	viper.SetDefault("server.write_timeout", 30*time.Second)

	viper.SetDefault("database.path", "data/intranet.db")
	viper.SetDefault("database.max_open_conns", 25)
	viper.SetDefault("database.max_idle_conns", 5)
	viper.SetDefault("database.conn_max_lifetime", 5*time.Minute)
	viper.SetDefault("database.migrations_dir", "migrations")

	viper.SetDefault("workflow.quiz_pass_threshold", 1.0)
	viper.SetDefault("workflow.resolve_retries", 3)
	viper.SetDefault("workflow.sweep_schedule", "@every 2m")

	viper.SetDefault("directory.cache_ttl", 1*time.Minute)
	viper.SetDefault("directory.cache_sweep_interval", 5*time.Minute)

	viper.SetDefault("notification.buffer_size", 256)

	viper.SetDefault("logger.level", "info")
	viper.SetDefault("logger.output_path", "stdout")
	viper.SetDefault("logger.format", "json")
}

func bindEnvVars() {
	viper.BindEnv("database.path", "DATABASE_PATH")
	viper.BindEnv("workflow.default_escalation_user", "DEFAULT_ESCALATION_USER")
	viper.BindEnv("server.port", "SERVER_PORT")
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Workflow.QuizPassThreshold <= 0 || c.Workflow.QuizPassThreshold > 1 {
		return fmt.Errorf("workflow.quiz_pass_threshold must be in (0, 1]")
	}
	if c.Workflow.DefaultEscalationUser == "" {
		return fmt.Errorf("workflow.default_escalation_user is required")
	}
	if c.Workflow.SweepSchedule == "" {
		return fmt.Errorf("workflow.sweep_schedule is required")
	}
	return nil
}
