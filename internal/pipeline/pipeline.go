// Package pipeline runs a conversion: load, resolve signature, freeze,
// convert, write. Each step starts only after the previous one succeeded.
package pipeline

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/ekisa-team/tfconv/internal/freeze"
	"github.com/ekisa-team/tfconv/internal/savedmodel"
	"github.com/ekisa-team/tfconv/internal/tflite"
)

// Options configures a single run.
type Options struct {
	InputPath  string
	OutputPath string
	// FrozenGraphPath, when set, also receives the frozen GraphDef.
	FrozenGraphPath string
	// Signatures ranks the signature keys to try. Empty means
	// savedmodel.DefaultPolicy.
	Signatures savedmodel.Policy
	// Tags selects the MetaGraph. Empty means the first one.
	Tags []string
}

// Result describes a finished run.
type Result struct {
	Signature    string
	Inputs       []freeze.TensorSpec
	Outputs      []freeze.TensorSpec
	OutputPath   string
	BytesWritten int
	Duration     time.Duration
}

// Runner executes conversions with its configured stages.
type Runner struct {
	loader    Loader
	freezer   Freezer
	converter Converter
	writer    Writer
	stdout    io.Writer
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithLoader replaces the SavedModel loader.
func WithLoader(l Loader) RunnerOption {
	return func(r *Runner) { r.loader = l }
}

// WithFreezer replaces the graph freezer.
func WithFreezer(f Freezer) RunnerOption {
	return func(r *Runner) { r.freezer = f }
}

// WithConverter replaces the TFLite converter.
func WithConverter(c Converter) RunnerOption {
	return func(r *Runner) { r.converter = c }
}

// WithWriter replaces the artifact writer.
func WithWriter(w Writer) RunnerOption {
	return func(r *Runner) { r.writer = w }
}

// WithStdout redirects the progress lines, which go to os.Stdout by default.
func WithStdout(w io.Writer) RunnerOption {
	return func(r *Runner) { r.stdout = w }
}

// NewRunner returns a Runner using the on-disk stages unless overridden.
func NewRunner(opts ...RunnerOption) *Runner {
	r := &Runner{
		loader:    SavedModelLoader{},
		freezer:   GraphFreezer{},
		converter: TFLiteConverter{},
		writer:    AtomicWriter{},
		stdout:    os.Stdout,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run converts the SavedModel at opts.InputPath into a TFLite file at
// opts.OutputPath. Nothing is written unless every earlier step succeeded.
func (r *Runner) Run(ctx context.Context, opts Options) (*Result, error) {
	start := time.Now()
	log := slog.With("input", opts.InputPath, "output", opts.OutputPath)

	if err := ctx.Err(); err != nil {
		return nil, &StepError{Step: StepLoad, Err: err}
	}

	log.Info("Loading SavedModel", "tags", opts.Tags)
	model, err := r.loader.Load(ctx, opts.InputPath, savedmodel.LoadOptions{Tags: opts.Tags})
	if err != nil {
		return nil, &StepError{Step: StepLoad, Err: err}
	}
	defer func() {
		if err := model.Close(); err != nil {
			log.Warn("Failed to close model", "error", err)
		}
	}()

	policy := opts.Signatures
	if len(policy) == 0 {
		policy = savedmodel.DefaultPolicy
	}
	sig, err := policy.Resolve(model.Signatures())
	if err != nil {
		return nil, &StepError{Step: StepResolve, Err: err}
	}
	log.Info("Using signature", "signature", sig.Key)

	if err := ctx.Err(); err != nil {
		return nil, &StepError{Step: StepFreeze, Err: err}
	}

	graph, err := r.freezer.Freeze(ctx, model, sig)
	if err != nil {
		return nil, &StepError{Step: StepFreeze, Err: err}
	}
	log.Info("Froze graph",
		"nodes", len(graph.Nodes),
		"variables", graph.Variables,
		"inlined", graph.Inlined,
	)

	fmt.Fprintf(r.stdout, "Frozen graph inputs: %v\n", graph.Inputs)
	fmt.Fprintf(r.stdout, "Frozen graph outputs: %v\n", graph.Outputs)

	if opts.FrozenGraphPath != "" {
		if err := r.writer.WriteFile(opts.FrozenGraphPath, graph.GraphDef().Marshal()); err != nil {
			return nil, &StepError{Step: StepWrite, Err: err}
		}
		log.Info("Saved frozen graph", "path", opts.FrozenGraphPath)
	}

	if err := ctx.Err(); err != nil {
		return nil, &StepError{Step: StepConvert, Err: err}
	}

	data, err := r.converter.Convert(graph, tflite.Options{SignatureKey: sig.Key})
	if err != nil {
		return nil, &StepError{Step: StepConvert, Err: err}
	}

	if err := ctx.Err(); err != nil {
		return nil, &StepError{Step: StepWrite, Err: err}
	}

	if err := r.writer.WriteFile(opts.OutputPath, data); err != nil {
		return nil, &StepError{Step: StepWrite, Err: err}
	}
	fmt.Fprintf(r.stdout, "Saved TFLite to %s\n", opts.OutputPath)

	res := &Result{
		Signature:    sig.Key,
		Inputs:       graph.Inputs,
		Outputs:      graph.Outputs,
		OutputPath:   opts.OutputPath,
		BytesWritten: len(data),
		Duration:     time.Since(start),
	}
	log.Info("Conversion finished", "bytes", res.BytesWritten, "duration", res.Duration)

	return res, nil
}
