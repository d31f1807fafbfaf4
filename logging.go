package tgrid

import (
	"os"

	"github.com/op/go-logging"
)

var log = logging.MustGetLogger("tgrid")

var stderrFormat = logging.MustStringFormatter(
	`%{time:15:04:05.000} %{level:.5s} %{shortfunc} ▶ %{message}`,
)

func init() {
	// Quiet by default; hosts opt in with SetupLogging or the backend
	// of their choice.
	logging.SetLevel(logging.ERROR, "tgrid")
}

// SetupLogging installs a stderr backend for the module logger. The
// TGRID_LOG_LEVEL environment variable overrides defaultLevel.
func SetupLogging(defaultLevel logging.Level) *logging.Logger {
	backend := logging.NewLogBackend(os.Stderr, "", 0)
	formatted := logging.NewBackendFormatter(backend, stderrFormat)
	leveled := logging.AddModuleLevel(formatted)
	switch os.Getenv("TGRID_LOG_LEVEL") {
	case "CRITICAL":
		leveled.SetLevel(logging.CRITICAL, "tgrid")
	case "ERROR":
		leveled.SetLevel(logging.ERROR, "tgrid")
	case "WARNING":
		leveled.SetLevel(logging.WARNING, "tgrid")
	case "NOTICE":
		leveled.SetLevel(logging.NOTICE, "tgrid")
	case "INFO":
		leveled.SetLevel(logging.INFO, "tgrid")
	case "DEBUG":
		leveled.SetLevel(logging.DEBUG, "tgrid")
	default:
		leveled.SetLevel(defaultLevel, "tgrid")
	}
	log.SetBackend(leveled)
	return log
}
