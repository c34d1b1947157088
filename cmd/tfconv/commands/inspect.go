package commands

import (
	"fmt"
	"io"
	"maps"
	"os"
	"slices"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/ekisa-team/tfconv/internal/savedmodel"
	"github.com/ekisa-team/tfconv/internal/tflite"
)

func newInspectCommand(a *app) *cobra.Command {
	var tags []string

	cmd := &cobra.Command{
		Use:   "inspect [saved-model-dir | model.tflite]",
		Short: "Show signatures and variables of a SavedModel, or the contents of a TFLite file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := a.cfg.InputPath
			if len(args) == 1 {
				path = args[0]
			}
			if !cmd.Flags().Changed("tag") {
				tags = a.cfg.Tags
			}

			info, err := os.Stat(path)
			if err != nil {
				return err
			}
			if info.IsDir() {
				return inspectSavedModel(cmd, path, tags)
			}
			return inspectTFLite(cmd.OutOrStdout(), path)
		},
	}

	cmd.Flags().StringSliceVar(&tags, "tag", nil, "MetaGraph tags to select (repeatable)")

	return cmd
}

func inspectSavedModel(cmd *cobra.Command, dir string, tags []string) error {
	m, err := savedmodel.Load(cmd.Context(), dir, savedmodel.LoadOptions{Tags: tags})
	if err != nil {
		return err
	}
	defer m.Close()

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "MetaGraph tags: %s\n", strings.Join(m.MetaGraph.Tags, ", "))
	if v := m.MetaGraph.TensorflowVersion; v != "" {
		fmt.Fprintf(out, "TensorFlow version: %s\n", v)
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	for _, key := range m.SignatureKeys() {
		sig := m.Signatures()[key]
		fmt.Fprintf(w, "\nSignature %q\n", key)
		fmt.Fprintln(w, "  ROLE\tKEY\tDTYPE\tSHAPE\tTENSOR")
		for _, nt := range sig.Inputs() {
			fmt.Fprintf(w, "  input\t%s\t%s\t%s\t%s\n", nt.Key, nt.Info.DType, nt.Info.Shape, nt.Info.Name)
		}
		for _, nt := range sig.Outputs() {
			fmt.Fprintf(w, "  output\t%s\t%s\t%s\t%s\n", nt.Key, nt.Info.DType, nt.Info.Shape, nt.Info.Name)
		}
		w.Flush()
	}

	names, err := m.VariableNames()
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "\nVariables (%d)\n", len(names))
	if len(names) == 0 {
		return nil
	}

	fmt.Fprintln(w, "  NAME\tDTYPE\tSHAPE")
	for _, name := range names {
		t, err := m.ReadVariable(name)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "  %s\t%s\t%s\n", name, t.DType, t.Shape)
	}
	return w.Flush()
}

func inspectTFLite(out io.Writer, path string) error {
	buf, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	info, err := tflite.Read(buf)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}

	fmt.Fprintf(out, "TFLite schema version %d, %d buffers\n", info.Version, len(info.Buffers))
	if info.Description != "" {
		fmt.Fprintf(out, "Description: %s\n", info.Description)
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	for _, sig := range info.Signatures {
		fmt.Fprintf(w, "\nSignature %q (subgraph %d)\n", sig.Key, sig.Subgraph)
		for _, k := range slices.Sorted(maps.Keys(sig.Inputs)) {
			fmt.Fprintf(w, "  input\t%s\ttensor %d\n", k, sig.Inputs[k])
		}
		for _, k := range slices.Sorted(maps.Keys(sig.Outputs)) {
			fmt.Fprintf(w, "  output\t%s\ttensor %d\n", k, sig.Outputs[k])
		}
		w.Flush()
	}

	for _, sg := range info.Subgraphs {
		fmt.Fprintf(out, "\nSubgraph %q: inputs %v, outputs %v\n", sg.Name, sg.Inputs, sg.Outputs)

		fmt.Fprintln(w, "  #\tTENSOR\tTYPE\tSHAPE\tBUFFER")
		for i, t := range sg.Tensors {
			shape := fmt.Sprint(t.Shape)
			if t.ShapeSignature != nil {
				shape = fmt.Sprint(t.ShapeSignature)
			}
			fmt.Fprintf(w, "  %d\t%s\t%s\t%s\t%d\n", i, t.Name, t.Type, shape, t.Buffer)
		}
		w.Flush()

		fmt.Fprintln(w, "\n  OP\tINPUTS\tOUTPUTS")
		for _, op := range sg.Operators {
			fmt.Fprintf(w, "  %s\t%v\t%v\n", op.Opcode, op.Inputs, op.Outputs)
		}
		if err := w.Flush(); err != nil {
			return err
		}
	}

	return nil
}
