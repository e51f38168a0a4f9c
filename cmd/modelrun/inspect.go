// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/gomlx/modelrt/model"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect <model-file>",
	Short: "Print a model's nodes, inputs, outputs, and initializers",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		g, err := model.Load(args[0])
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "graph %q: %d node(s), %d slot(s)\n", g.Name, len(g.Nodes()), g.NumSlots())

		inputNames, inputSlots := g.GraphInputs()
		for ii, name := range inputNames {
			if sh, ok := g.SlotShape(inputSlots[ii]); ok {
				fmt.Fprintf(out, "  input  %-24s %s\n", name, sh)
			} else {
				fmt.Fprintf(out, "  input  %-24s (shape unknown)\n", name)
			}
		}
		var initBytes uint64
		for _, t := range g.Initializers {
			initBytes += uint64(t.Shape().Memory())
		}
		fmt.Fprintf(out, "  %d initializer(s), %s\n", len(g.Initializers), humanize.IBytes(initBytes))

		for _, n := range g.Nodes() {
			fmt.Fprintf(out, "  node   %-24s %s", n.Name, n.OpType)
			if len(n.Subgraphs) > 0 {
				fmt.Fprintf(out, " (+%d subgraph(s))", len(n.Subgraphs))
			}
			fmt.Fprintln(out)
		}
		outputNames, _ := g.GraphOutputs()
		for _, name := range outputNames {
			fmt.Fprintf(out, "  output %s\n", name)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(inspectCmd)
}
