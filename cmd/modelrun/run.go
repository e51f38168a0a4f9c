// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/gomlx/modelrt"
	"github.com/gomlx/modelrt/executor"
	"github.com/gomlx/modelrt/types/shapes"
	"github.com/gomlx/modelrt/types/tensors"
)

var (
	flagFeeds      []string
	flagOutputs    []string
	flagSequential bool
	flagThreads    int
	flagProfile    string
	flagRunTag     string
)

var runCmd = &cobra.Command{
	Use:   "run <model-file>",
	Short: "Execute a model and print the requested outputs",
	Args:  cobra.ExactArgs(1),
	RunE:  doRun,
}

func init() {
	runCmd.Flags().StringArrayVar(&flagFeeds, "feed", nil,
		`input tensor, formatted "name=2x3:1,2,3,4,5,6" (float32 dims 'x'-separated, then values)`)
	runCmd.Flags().StringArrayVar(&flagOutputs, "output", nil,
		"output name to fetch (defaults to every declared graph output)")
	runCmd.Flags().BoolVar(&flagSequential, "sequential", false,
		"use the single-thread reference executor")
	runCmd.Flags().IntVar(&flagThreads, "threads", 0,
		"worker pool soft target (0 = half the hardware concurrency)")
	runCmd.Flags().StringVar(&flagProfile, "profile-prefix", "",
		"enable profiling; events are written to <prefix>_<timestamp>.json on exit")
	runCmd.Flags().StringVar(&flagRunTag, "run-tag", "cli",
		"tag attached to profiler events")
	rootCmd.AddCommand(runCmd)
}

func doRun(cmd *cobra.Command, args []string) error {
	sess := modelrt.NewSession(modelrt.SessionOptions{
		NumThreads:    flagThreads,
		Sequential:    flagSequential,
		ProfilePrefix: flagProfile,
	})
	if err := sess.Load(args[0]); err != nil {
		return err
	}
	if err := sess.Initialize(); err != nil {
		return err
	}
	defer sess.Close()

	feeds := make(map[string]tensors.Value, len(flagFeeds))
	for _, spec := range flagFeeds {
		name, t, err := parseFeed(spec)
		if err != nil {
			return err
		}
		feeds[name] = tensors.TensorValue(t)
	}

	outputs := flagOutputs
	if len(outputs) == 0 {
		names, _ := sess.Plan().Graph.GraphOutputs()
		outputs = names
	}

	total := len(sess.Plan().Order)
	bar := progressbar.NewOptions(total,
		progressbar.OptionSetDescription("running"),
		progressbar.OptionClearOnFinish(),
	)
	opts := &executor.RunOptions{
		RunTag: flagRunTag,
		OnNodeDone: func(completed, runTotal int) {
			_ = bar.Set(completed)
		},
	}

	fetches, err := sess.Run(opts, feeds, outputs)
	if err != nil {
		return err
	}
	_ = bar.Finish()

	for ii, name := range outputs {
		printValue(cmd, name, fetches[ii])
	}
	return nil
}

// parseFeed decodes "name=2x3:1,2,3,4,5,6" into a float32 tensor.
func parseFeed(spec string) (string, *tensors.Tensor, error) {
	name, rest, ok := strings.Cut(spec, "=")
	if !ok {
		return "", nil, errors.Errorf("bad --feed %q: missing '='", spec)
	}
	dimsPart, valuesPart, ok := strings.Cut(rest, ":")
	if !ok {
		return "", nil, errors.Errorf("bad --feed %q: missing ':' between dims and values", spec)
	}
	var dims []int64
	if dimsPart != "" {
		for _, d := range strings.Split(dimsPart, "x") {
			v, err := strconv.ParseInt(d, 10, 64)
			if err != nil {
				return "", nil, errors.Errorf("bad --feed %q: dimension %q", spec, d)
			}
			dims = append(dims, v)
		}
	}
	var values []float32
	for _, raw := range strings.Split(valuesPart, ",") {
		v, err := strconv.ParseFloat(strings.TrimSpace(raw), 32)
		if err != nil {
			return "", nil, errors.Errorf("bad --feed %q: value %q", spec, raw)
		}
		values = append(values, float32(v))
	}
	shape := shapes.Make(shapes.Float32, dims...)
	if shape.Size() != int64(len(values)) {
		return "", nil, errors.Errorf("bad --feed %q: %d values for shape %s", spec, len(values), shape)
	}
	return name, tensors.FromFlat(shape, values, "caller"), nil
}

func printValue(cmd *cobra.Command, name string, v tensors.Value) {
	switch v.Kind() {
	case tensors.KindTensor:
		t := v.Tensor()
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s = %v\n", name, t.Shape(), t.Flat())
	case tensors.KindTensorList:
		fmt.Fprintf(cmd.OutOrStdout(), "%s = tensor list of %d\n", name, len(v.TensorList()))
	default:
		fmt.Fprintf(cmd.OutOrStdout(), "%s = <opaque>\n", name)
	}
}
