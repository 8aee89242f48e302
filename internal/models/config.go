package models

import "time"

// Config represents the application configuration
type Config struct {
	Database DatabaseConfig
	Explorer ExplorerConfig
	Monitor  MonitorConfig
	Server   ServerConfig
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	PingTimeout     time.Duration
}

// ExplorerConfig holds block-explorer client settings
type ExplorerConfig struct {
	EndpointsFile      string
	RequestTimeout     time.Duration
	MinRequestInterval time.Duration
}

// MonitorConfig holds deposit monitor settings
type MonitorConfig struct {
	PollingInterval time.Duration
	SweepInterval   time.Duration
}

// ServerConfig holds HTTP API server settings
type ServerConfig struct {
	Addr string
}
