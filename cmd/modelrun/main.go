// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// modelrun is a small command-line front-end over the Session API: load a
// model file, feed tensors from flags, run, print the fetched outputs.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"k8s.io/klog/v2"
)

var rootCmd = &cobra.Command{
	Use:   "modelrun",
	Short: "Run and inspect modelrt computation graphs",
}

func main() {
	klogFlags := flag.NewFlagSet("klog", flag.ContinueOnError)
	klog.InitFlags(klogFlags)
	rootCmd.PersistentFlags().AddGoFlagSet(klogFlags)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
