// Package commands implements the tfconv command line.
package commands

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ekisa-team/tfconv/internal/config"
	"github.com/ekisa-team/tfconv/internal/env"
	"github.com/ekisa-team/tfconv/internal/logger"
)

// app is the state shared by the commands of one invocation.
type app struct {
	configPath string
	cfg        *config.Config
}

// NewRootCommand builds the tfconv command tree. Running tfconv without a
// subcommand converts with the same flags as tfconv convert.
func NewRootCommand() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:   "tfconv",
		Short: "Convert TensorFlow SavedModels to TFLite",
		Long: `tfconv loads a TensorFlow SavedModel, freezes the selected signature's
variables into constants and writes the graph as a TFLite flatbuffer.

The signature is chosen from a ranked list (serving_default, then infer by
default), falling back to the first signature by name.`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: a.setup,
	}

	root.PersistentFlags().StringVar(&a.configPath, "config", "", "config file (default is $TFCONV_CONFIG or "+config.DefaultConfigPath()+")")

	convert := newConvertCommand(a)
	root.Flags().AddFlagSet(convert.Flags())
	root.RunE = convert.RunE

	root.AddCommand(convert)
	root.AddCommand(newInspectCommand(a))

	return root
}

// Execute runs the root command until it finishes or the process is
// interrupted.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := NewRootCommand().ExecuteContext(ctx); err != nil {
		slog.Error("tfconv failed", "error", err)
		return err
	}
	return nil
}

// setup loads the configuration and installs the default logger.
func (a *app) setup(cmd *cobra.Command, _ []string) error {
	a.configPath = config.ConfigPath(a.configPath)

	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	a.cfg = cfg

	slog.SetDefault(newLogger(cfg))
	return nil
}

func newLogger(cfg *config.Config) *slog.Logger {
	opts := []logger.Option{
		logger.WithLogToFile(cfg.Log.ToFile),
		logger.WithLogFile(cfg.Log.File),
	}
	if cfg.Log.Level != "" {
		if level, err := cfg.Log.SlogLevel(); err == nil {
			opts = append(opts, logger.WithLevel(level))
		}
	}
	return logger.New(env.FromEnv(), opts...)
}
