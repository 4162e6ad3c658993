// Package cmd implements the ferricd subcommands.
package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"grimm.is/ferric/internal/config"
	"grimm.is/ferric/internal/logging"
	"grimm.is/ferric/internal/service"
)

// RunStart runs the daemon in the foreground until SIGINT or SIGTERM.
func RunStart(configFile string) error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return err
	}

	logger := buildLogger(cfg)
	logging.SetDefault(logger)

	svc, err := service.New(cfg, logger)
	if err != nil {
		return err
	}
	if err := svc.Start(); err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("shutting down", "signal", sig.String())

	svc.Stop()
	return nil
}

// loadConfig reads the config file, falling back to built-in defaults when
// the default path does not exist.
func loadConfig(configFile string) (*config.Config, error) {
	if _, err := os.Stat(configFile); os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "Config file %s not found, using defaults\n", configFile)
		return config.Default(), nil
	}
	return config.LoadFile(configFile)
}

func buildLogger(cfg *config.Config) *logging.Logger {
	lc := logging.Config{Output: os.Stderr}
	if cfg.Log != nil {
		lc.JSON = cfg.Log.JSON
		switch cfg.Log.Level {
		case "debug":
			lc.Level = logging.LevelDebug
		case "warn":
			lc.Level = logging.LevelWarn
		case "error":
			lc.Level = logging.LevelError
		default:
			lc.Level = logging.LevelInfo
		}
	}
	return logging.New(lc)
}
