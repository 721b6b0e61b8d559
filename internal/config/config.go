// Package config reads the small amount of process-wide configuration the
// renderer needs: the log verbosity and an optional capset override used by
// tests.
package config

import (
	"os"

	"log/slog"

	"github.com/BurntSushi/toml"
	"github.com/lab47/lsvd/logger"
)

// LogLevelFromEnv maps XVDNA_LOG_LEVEL to one of the logger package's
// slog.Level values, defaulting to Info
// exactly as the original xvdna_debug.h default (XVDNA_LOG_INFO).
func LogLevelFromEnv() slog.Level {
	switch os.Getenv("XVDNA_LOG_LEVEL") {
	case "ERROR", "0":
		return logger.Error
	case "DEBUG", "2":
		return logger.Trace
	case "INFO", "1", "":
		return logger.Info
	default:
		return logger.Info
	}
}

// CapsetOverride is the shape of an optional XVDNA_CONFIG TOML file. It only
// exists to let tests exercise a non-default AMDXDNA version triple without
// rebuilding the binary.
type CapsetOverride struct {
	VersionMajor      uint32 `toml:"version_major"`
	VersionMinor      uint32 `toml:"version_minor"`
	VersionPatchlevel uint32 `toml:"version_patchlevel"`
}

// LoadCapsetOverride reads XVDNA_CONFIG if set. A missing or empty env var is
// not an error; it just means there is no override.
func LoadCapsetOverride() (*CapsetOverride, error) {
	path := os.Getenv("XVDNA_CONFIG")
	if path == "" {
		return nil, nil
	}

	var ov CapsetOverride
	if _, err := toml.DecodeFile(path, &ov); err != nil {
		return nil, err
	}

	return &ov, nil
}
