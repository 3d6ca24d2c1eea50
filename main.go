package main

import (
	"log/slog"
	"os"
	"sync"

	"github.com/danielgtaylor/huma/v2/humacli"

	"github.com/smazurov/thriftpool/cmd"
	"github.com/smazurov/thriftpool/internal/config"
	"github.com/smazurov/thriftpool/internal/logging"
	"github.com/smazurov/thriftpool/internal/master"
	"github.com/smazurov/thriftpool/internal/version"
)

// Options for the CLI - flat structure with toml mapping.
type Options struct {
	Config string `help:"Path to configuration file" short:"c" default:"thriftpool.toml"`

	Workers int    `help:"Number of worker processes" short:"w" default:"2" toml:"workers" env:"WORKERS"`
	PIDFile string `help:"Write the master pid to this file" default:"" toml:"pid_file" env:"PID_FILE"`
	APIAddr string `help:"Admin API address, empty to disable" default:"127.0.0.1:8090" toml:"api.addr" env:"API_ADDR"`
	Watch   bool   `help:"Apply log level changes from the config file without a restart" default:"true" env:"WATCH"`

	// Logging settings
	LoggingLevel  string `help:"Global logging level (debug, info, warn, error, critical)" default:"info" toml:"logging.level" env:"LOGGING_LEVEL"`
	LoggingFormat string `help:"Logging format (text, json)" default:"text" toml:"logging.format" env:"LOGGING_FORMAT"`
}

func main() {
	var cli humacli.CLI
	cli = humacli.New(func(hooks humacli.Hooks, opts *Options) {
		if err := config.LoadOptions(opts, cli.Root()); err != nil {
			slog.Warn("Failed to load options", "error", err)
		}

		var (
			mu   sync.Mutex
			app  *master.App
			done = make(chan struct{})
		)

		hooks.OnStart(func() {
			cfg, err := config.Load(opts.Config)
			if err != nil {
				slog.Error("Failed to load config", "path", opts.Config, "error", err)
				os.Exit(1)
			}
			cfg.Workers = opts.Workers
			cfg.PIDFile = opts.PIDFile
			cfg.API.Addr = opts.APIAddr
			cfg.Logging.Level = opts.LoggingLevel
			cfg.Logging.Format = opts.LoggingFormat

			logging.Initialize(cfg.Logging)
			logger := logging.GetLogger("main")
			logger.Info("thriftpool starting", "version", version.String(), "config", opts.Config)

			self, err := os.Executable()
			if err != nil {
				logger.Error("Failed to locate own executable", "error", err)
				os.Exit(1)
			}

			appOpts := master.AppOptions{
				Config:     cfg,
				WorkerCmd:  self,
				WorkerArgs: []string{"worker"},
			}
			if opts.Watch {
				appOpts.ConfigPath = opts.Config
			}
			a, err := master.NewApp(appOpts)
			if err != nil {
				logger.Error("Invalid configuration", "error", err)
				os.Exit(1)
			}
			mu.Lock()
			app = a
			mu.Unlock()
			if err := a.Start(); err != nil {
				logger.Error("Failed to start master", "error", err)
				os.Exit(1)
			}
			<-done
		})

		hooks.OnStop(func() {
			defer close(done)
			mu.Lock()
			a := app
			mu.Unlock()
			if a == nil {
				return
			}
			if err := a.Stop(); err != nil {
				logging.GetLogger("main").Error("Error during shutdown", "error", err)
			}
		})
	})

	cli.Root().Use = "thriftpool"
	cli.Root().Version = version.String()
	cli.Root().AddCommand(cmd.CreateWorkerCmd())
	cli.Root().AddCommand(cmd.CreateCheckConfigCmd())

	cli.Run()
}
