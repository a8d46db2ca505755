package app

import (
	"strings"

	"github.com/gamc-bo/credrecovery/pkg/logger"
)

// ConfigureLogging initialises the global logger with the configured level,
// defaulting to info.
func ConfigureLogging(level string) error {
	level = strings.TrimSpace(level)
	if level == "" {
		level = "info"
	}
	return logger.Init(level)
}
