package config

import (
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config represents the application configuration
type Config struct {
	// Application settings
	AppName   string `mapstructure:"app_name"`
	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`

	// ProjectRoot anchors the state directories; defaults to the cwd
	ProjectRoot string `mapstructure:"project_root"`

	// Server configuration for the status API
	Server ServerConfig `mapstructure:"server"`

	// Workflow engine configuration
	Workflow WorkflowConfig `mapstructure:"workflow"`

	// Archive configuration for the optional ArangoDB execution archive
	Archive ArchiveConfig `mapstructure:"archive"`
}

// ServerConfig holds status API server configuration
type ServerConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"read_timeout"`
	WriteTimeout int    `mapstructure:"write_timeout"`
	Environment  string `mapstructure:"environment"`
}

// WorkflowConfig holds workflow engine configuration
type WorkflowConfig struct {
	// StateDir is where workflow executions are persisted
	StateDir string `mapstructure:"state_dir"`

	// MonitorInterval is the watcher poll interval
	MonitorInterval time.Duration `mapstructure:"monitor_interval"`

	// RetentionDays bounds how long finished executions are kept
	RetentionDays int `mapstructure:"retention_days"`
}

// ArchiveConfig holds the optional ArangoDB execution archive settings
type ArchiveConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	Endpoint   string `mapstructure:"endpoint"`
	Database   string `mapstructure:"database"`
	Collection string `mapstructure:"collection"`
	Username   string `mapstructure:"username"`
	Password   string `mapstructure:"password"`
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	config := &Config{
		// Set defaults
		AppName:   "AgentSwarm",
		LogLevel:  "info",
		LogFormat: "text",
		Server: ServerConfig{
			Enabled:      true,
			Host:         "0.0.0.0",
			Port:         8420,
			ReadTimeout:  30,
			WriteTimeout: 30,
			Environment:  "development",
		},
		Workflow: WorkflowConfig{
			StateDir:        "workflow_state",
			MonitorInterval: time.Second,
			RetentionDays:   30,
		},
		Archive: ArchiveConfig{
			Endpoint:   "http://localhost:8529",
			Database:   "agentswarm",
			Collection: "workflow_executions",
			Username:   "root",
		},
	}

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")

	// Add config paths
	if configPath != "" {
		if filepath.IsAbs(configPath) {
			viper.SetConfigFile(configPath)
		} else {
			viper.AddConfigPath(filepath.Dir(configPath))
			viper.SetConfigName(filepath.Base(configPath[:len(configPath)-len(filepath.Ext(configPath))]))
		}
	}

	// Add common config paths
	viper.AddConfigPath(".")
	viper.AddConfigPath("./configs")
	viper.AddConfigPath("/etc/agentswarm")

	// Environment variable support
	viper.SetEnvPrefix("AGENTSWARM")
	viper.AutomaticEnv()

	// Read config file if it exists
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		// Config file not found is acceptable, we'll use defaults and env vars
	}

	// Unmarshal into struct
	if err := viper.Unmarshal(config); err != nil {
		return nil, err
	}

	// Override with environment variables
	if password := os.Getenv("AGENTSWARM_ARCHIVE_PASSWORD"); password != "" {
		config.Archive.Password = password
	}
	if port := os.Getenv("AGENTSWARM_SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}

	if config.ProjectRoot == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return nil, err
		}
		config.ProjectRoot = cwd
	}

	return config, nil
}
