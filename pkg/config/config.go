// Package config loads marketplace configuration: process settings from the
// environment and marketplace profiles from YAML files.
package config

import (
	"os"
	"strconv"
)

// Config holds process configuration.
type Config struct {
	LogLevel     string
	DatabaseURL  string // postgres fee registry storage, empty = in-memory
	JournalPath  string // sqlite journal file, empty = in-memory
	RedisAddr    string // discovery index, empty = in-memory
	OTLPEndpoint string
	TracingOn    bool
	BaseFeeBps   uint16
	ArchiveURL   string // s3 endpoint for the event archive, empty = disabled
	Bucket       string
}

// Load reads configuration from environment variables, with defaults that
// run the engine fully in memory.
func Load() *Config {
	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "INFO"
	}

	baseFee := uint16(200)
	if raw := os.Getenv("BASE_FEE_BPS"); raw != "" {
		if v, err := strconv.ParseUint(raw, 10, 16); err == nil && v <= 10_000 {
			baseFee = uint16(v)
		}
	}

	endpoint := os.Getenv("OTLP_ENDPOINT")
	if endpoint == "" {
		endpoint = "localhost:4317"
	}

	return &Config{
		LogLevel:     logLevel,
		DatabaseURL:  os.Getenv("DATABASE_URL"),
		JournalPath:  os.Getenv("JOURNAL_PATH"),
		RedisAddr:    os.Getenv("REDIS_ADDR"),
		OTLPEndpoint: endpoint,
		TracingOn:    os.Getenv("TRACING") == "true",
		BaseFeeBps:   baseFee,
		ArchiveURL:   os.Getenv("ARCHIVE_URL"),
		Bucket:       os.Getenv("ARCHIVE_BUCKET"),
	}
}
