package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"gopkg.in/ini.v1"
)

// Config holds application configuration
type Config struct {
	// Database settings
	DatabaseType string // "sqlite" or "postgres"
	DatabaseDSN  string

	// API settings
	APIAddr   string
	APISecret string // shared secret for dashboard -> engine calls

	// WhatsApp session settings
	ReconnectDelay time.Duration // backoff before a single reconnect attempt
	ConnectTimeout time.Duration // give up on a connection attempt after this
	LogoutTimeout  time.Duration // bound on transport logout during disconnect

	// Logging
	LogLevel   string
	QRTerminal bool // also render pairing QR codes to the terminal
}

// LoadConfig loads configuration from config.ini file or environment variables
func LoadConfig() *Config {
	config := &Config{
		DatabaseType: getEnv("DATABASE_TYPE", "sqlite"),
		DatabaseDSN:  getEnv("DATABASE_DSN", "file:wa-engine.db?_foreign_keys=on"),

		APIAddr:   getEnv("API_ADDR", ":8080"),
		APISecret: getEnv("API_SECRET", ""),

		ReconnectDelay: 5 * time.Second,
		ConnectTimeout: 60 * time.Second,
		LogoutTimeout:  10 * time.Second,

		LogLevel:   getEnv("LOG_LEVEL", "info"),
		QRTerminal: getEnv("QR_TERMINAL", "") == "true",
	}

	// Try to load from config.ini file
	if err := loadFromINI(config); err != nil {
		log.Printf("Warning: Failed to load config.ini: %v", err)
		log.Println("Using environment variables or defaults")
	}

	return config
}

// loadFromINI loads configuration from config.ini file
func loadFromINI(config *Config) error {
	cfg, err := ini.Load("config.ini")
	if err != nil {
		return err
	}

	if dbSection := cfg.Section("database"); dbSection != nil {
		if typ := dbSection.Key("type").String(); typ != "" {
			config.DatabaseType = typ
		}
		if dsn := dbSection.Key("dsn").String(); dsn != "" {
			config.DatabaseDSN = dsn
		}
	}

	if apiSection := cfg.Section("api"); apiSection != nil {
		if addr := apiSection.Key("addr").String(); addr != "" {
			config.APIAddr = addr
		}
		if secret := apiSection.Key("secret").String(); secret != "" {
			config.APISecret = secret
		}
	}

	if waSection := cfg.Section("whatsapp"); waSection != nil {
		if delay := waSection.Key("reconnect_delay_seconds").String(); delay != "" {
			if val, err := strconv.Atoi(delay); err == nil && val > 0 {
				config.ReconnectDelay = time.Duration(val) * time.Second
			}
		}
		if timeout := waSection.Key("connect_timeout_seconds").String(); timeout != "" {
			if val, err := strconv.Atoi(timeout); err == nil && val > 0 {
				config.ConnectTimeout = time.Duration(val) * time.Second
			}
		}
	}

	if logSection := cfg.Section("log"); logSection != nil {
		if level := logSection.Key("level").String(); level != "" {
			config.LogLevel = level
		}
		if qr := logSection.Key("qr_terminal").String(); qr != "" {
			config.QRTerminal = qr == "true"
		}
	}

	return nil
}

// getEnv gets an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
