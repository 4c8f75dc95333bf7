// Command sessionctl inspects and drives session state shared by agent
// service instances: session records, active markers, interrupts and the
// webhook error policy.
package main

import (
	"context"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"goa.design/clue/log"

	"goa.design/agentstate/runtime/config"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// globalFlags holds the flags shared by every command.
type globalFlags struct {
	configPath string
	store      string
	cache      string
	instance   string
	redisAddr  string
	sqlitePath string
	debug      bool

	// logOutput receives Clue log entries; set from the command's stderr.
	logOutput io.Writer
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}
	root := &cobra.Command{
		Use:          "sessionctl",
		Short:        "Inspect and drive distributed session state",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			flags.logOutput = cmd.ErrOrStderr()
			cmd.SetContext(logContext(cmd.Context(), config.Log{Format: "auto", Debug: flags.debug}, flags.logOutput))
			return nil
		},
	}
	pf := root.PersistentFlags()
	pf.StringVar(&flags.configPath, "config", "", "YAML configuration file")
	pf.StringVar(&flags.store, "store", "", "Durable store: memory, mongo or sqlite")
	pf.StringVar(&flags.cache, "cache", "", "TTL cache: memory or redis")
	pf.StringVar(&flags.instance, "instance", "", "Instance name recorded in active markers")
	pf.StringVar(&flags.redisAddr, "redis-addr", "", "Redis address")
	pf.StringVar(&flags.sqlitePath, "sqlite-path", "", "SQLite database file")
	pf.BoolVar(&flags.debug, "debug", false, "Enable debug logs")

	root.AddCommand(
		newCreateCmd(flags),
		newGetCmd(flags),
		newUpdateCmd(flags),
		newEvictCmd(flags),
		newActiveCmd(flags),
		newInterruptCmd(flags),
		newHookCmd(),
		newHealthCmd(flags),
	)
	return root
}

// loadConfig layers defaults, the optional config file, the environment and
// finally explicit flags.
func (f *globalFlags) loadConfig() (config.Config, error) {
	cfg := config.Default()
	if f.configPath != "" {
		var err error
		if cfg, err = config.Load(f.configPath); err != nil {
			return cfg, err
		}
	}
	cfg.ApplyEnv()
	if f.store != "" {
		cfg.Store = f.store
	}
	if f.cache != "" {
		cfg.Cache = f.cache
	}
	if f.instance != "" {
		cfg.Instance = f.instance
	}
	if f.redisAddr != "" {
		cfg.Redis.Addr = f.redisAddr
	}
	if f.sqlitePath != "" {
		cfg.SQLite.Path = f.sqlitePath
	}
	if f.debug {
		cfg.Log.Debug = true
	}
	return cfg, cfg.Validate()
}

// logContext configures the Clue logger carried by ctx. An empty or "auto"
// format picks terminal output when attached to a TTY and JSON otherwise.
func logContext(ctx context.Context, cfg config.Log, out io.Writer) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	var format log.FormatFunc
	switch cfg.Format {
	case "json":
		format = log.FormatJSON
	case "terminal":
		format = log.FormatTerminal
	default:
		format = log.FormatJSON
		if log.IsTerminal() {
			format = log.FormatTerminal
		}
	}
	opts := []log.LogOption{log.WithFormat(format), log.WithNoDebug()}
	if out != nil {
		opts = append(opts, log.WithOutput(out))
	}
	if cfg.Debug {
		opts = append(opts, log.WithDebug())
	}
	ctx = log.Context(ctx, opts...)
	if cfg.Debug {
		log.Debugf(ctx, "debug logs enabled")
	}
	return ctx
}
