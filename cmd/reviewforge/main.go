// Command reviewforge runs the document review pipeline as an HTTP/MCP
// service or drives individual sessions from the command line.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Strob0t/ReviewForge/internal/config"
	"github.com/Strob0t/ReviewForge/internal/logger"
)

// rootFlags are the persistent flags shared by every subcommand.
type rootFlags struct {
	configPath string
	logLevel   string
	llmMode    string
	store      string
}

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}
	root := &cobra.Command{
		Use:           "reviewforge",
		Short:         "LLM-assisted review of project registration documents",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := root.PersistentFlags()
	pf.StringVar(&flags.configPath, "config", "", "YAML config file (default reviewforge.yaml or $REVIEWFORGE_CONFIG)")
	pf.StringVar(&flags.logLevel, "log-level", "", "debug, info, warn or error")
	pf.StringVar(&flags.llmMode, "llm-mode", "", "LLM backend routing: auto, api or cli")
	pf.StringVar(&flags.store, "store", "", "session store: memory, sqlite or postgres")

	root.AddCommand(
		newServeCmd(flags),
		newMCPCmd(flags),
		newSessionCmd(flags),
		newMigrateCmd(flags),
	)
	return root
}

// loadConfig resolves configuration with command-line overrides applied last
// and installs the process logger. The returned func flushes the logger.
func (f *rootFlags) loadConfig(cmd *cobra.Command) (*config.Config, func(), error) {
	var o config.Overrides
	set := func(name string, dst **string, v string) {
		if cmd.Flags().Changed(name) {
			*dst = &v
		}
	}
	set("log-level", &o.LogLevel, f.logLevel)
	set("llm-mode", &o.LLMMode, f.llmMode)
	set("store", &o.Store, f.store)

	path := f.configPath
	if path == "" {
		path = os.Getenv("REVIEWFORGE_CONFIG")
	}
	if path == "" {
		path = config.DefaultConfigFile
	}
	cfg, err := config.LoadWithOverrides(path, o)
	if err != nil {
		return nil, nil, err
	}

	log, closer := logger.NewWriter(cfg.Logging, cmd.ErrOrStderr())
	slog.SetDefault(log)
	return cfg, closer.Close, nil
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}
