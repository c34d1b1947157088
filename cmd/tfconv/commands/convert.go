package commands

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/spf13/cobra"

	"github.com/ekisa-team/tfconv/internal/config"
	"github.com/ekisa-team/tfconv/internal/pipeline"
	"github.com/ekisa-team/tfconv/internal/savedmodel"
)

// ErrWatchNeedsConfig is returned by --watch when there is no file to watch.
var ErrWatchNeedsConfig = errors.New("--watch requires a config file")

type convertFlags struct {
	input       string
	output      string
	frozenGraph string
	signatures  []string
	tags        []string
	watch       bool
}

func newConvertCommand(a *app) *cobra.Command {
	f := &convertFlags{}

	cmd := &cobra.Command{
		Use:   "convert",
		Short: "Convert a SavedModel to a TFLite file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if f.watch {
				return a.watch(cmd, f)
			}
			return a.convert(cmd, f, a.cfg)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&f.input, "input", "i", "", "SavedModel directory (default "+config.DefaultInputPath+")")
	flags.StringVarP(&f.output, "output", "o", "", "TFLite output file (default "+config.DefaultOutputPath+")")
	flags.StringVar(&f.frozenGraph, "frozen-graph", "", "also write the frozen GraphDef to this file")
	flags.StringSliceVarP(&f.signatures, "signature", "s", nil, "signature keys to try in order (repeatable)")
	flags.StringSliceVar(&f.tags, "tag", nil, "MetaGraph tags to select (repeatable)")
	flags.BoolVar(&f.watch, "watch", false, "rerun the conversion whenever the config file changes")

	return cmd
}

// apply returns a copy of cfg with the flags that were set on cmd.
func (f *convertFlags) apply(cmd *cobra.Command, cfg *config.Config) *config.Config {
	out := *cfg
	flags := cmd.Flags()

	if flags.Changed("input") {
		out.InputPath = f.input
	}
	if flags.Changed("output") {
		out.OutputPath = f.output
	}
	if flags.Changed("frozen-graph") {
		out.FrozenGraphPath = f.frozenGraph
	}
	if flags.Changed("signature") {
		out.Signatures = f.signatures
	}
	if flags.Changed("tag") {
		out.Tags = f.tags
	}

	out.ExpandPaths()
	return &out
}

func (a *app) convert(cmd *cobra.Command, f *convertFlags, cfg *config.Config) error {
	cfg = f.apply(cmd, cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}

	runner := pipeline.NewRunner(pipeline.WithStdout(cmd.OutOrStdout()))
	_, err := runner.Run(cmd.Context(), pipeline.Options{
		InputPath:       cfg.InputPath,
		OutputPath:      cfg.OutputPath,
		FrozenGraphPath: cfg.FrozenGraphPath,
		Signatures:      savedmodel.Policy(cfg.Signatures),
		Tags:            cfg.Tags,
	})
	return err
}

// watch converts once, then again after every change to the config file,
// until the command's context is cancelled. Runs never overlap.
func (a *app) watch(cmd *cobra.Command, f *convertFlags) error {
	if a.configPath == "" {
		return ErrWatchNeedsConfig
	}

	var mu sync.Mutex
	run := func(cfg *config.Config) {
		mu.Lock()
		defer mu.Unlock()

		if err := a.convert(cmd, f, cfg); err != nil {
			slog.Error("Conversion failed", "error", err)
		}
	}

	watcher, err := config.NewWatcher(a.configPath, "", func(cfg *config.Config, err error) {
		if err != nil {
			slog.Error("Failed to reload config", "error", err)
			return
		}
		run(cfg)
	})
	if err != nil {
		return err
	}
	defer watcher.Stop()

	run(watcher.Snapshot())

	slog.Info("Watching config for changes", "config", a.configPath)
	<-cmd.Context().Done()
	slog.Info("Stopped watching", "config", a.configPath)

	return nil
}
