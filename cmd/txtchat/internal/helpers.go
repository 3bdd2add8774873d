package internal

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/joho/godotenv"

	"github.com/tinyland-inc/txtchat/pkg/config"
	"github.com/tinyland-inc/txtchat/pkg/logger"
)

const Logo = "💬"

var (
	version   = "dev"
	gitCommit string
	buildTime string
	goVersion string
)

// GetConfigPath returns TXTCHAT_CONFIG when set, else ~/.txtchat/config.yml.
func GetConfigPath() string {
	if p := os.Getenv("TXTCHAT_CONFIG"); p != "" {
		return config.ExpandHome(p)
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".txtchat", "config.yml")
}

// LoadConfig loads .env from the working directory if present, then the
// config file at path (GetConfigPath when empty).
func LoadConfig(path string) (*config.Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		logger.WarnCF("config", "Failed to load .env", map[string]any{"error": err.Error()})
	}

	if path == "" {
		path = GetConfigPath()
	}
	return config.LoadConfig(config.ExpandHome(path))
}

// ConfigureLogging applies the logging section. debug forces DEBUG level.
func ConfigureLogging(cfg config.LoggingConfig, debug bool) {
	logger.Configure(cfg.Format)
	logger.SetLevel(logger.ParseLevel(cfg.Level))
	if debug {
		logger.SetLevel(logger.DEBUG)
	}
}

// FormatVersion returns the version string with optional git commit
func FormatVersion() string {
	v := version
	if gitCommit != "" {
		v += fmt.Sprintf(" (git: %s)", gitCommit)
	}
	return v
}

// FormatBuildInfo returns build time and go version info
func FormatBuildInfo() (string, string) {
	build := buildTime
	goVer := goVersion
	if goVer == "" {
		goVer = runtime.Version()
	}
	return build, goVer
}

func GetVersion() string {
	return version
}
