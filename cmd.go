// Copyright (C) The Cellscope Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package cellscope

import (
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"
)

var version = "development"

// A Handler runs one subcommand. Diagnostics go to stderr; the return
// value is the process exit code.
type Handler interface {
	RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int
}

var handler = map[string]Handler{
	"version":   versionCmd{},
	"-version":  versionCmd{},
	"--version": versionCmd{},

	"load":         &loadCmd{},
	"qc":           &qcCmd{},
	"normalize":    &normalizeCmd{},
	"pca":          &pcaCmd{},
	"neighbors":    &neighborsCmd{},
	"cluster":      &clusterCmd{},
	"embed":        &embedCmd{},
	"score":        &scoreCmd{},
	"annotate":     &annotateCmd{},
	"cnv-export":   &cnvExportCmd{},
	"cnv":          &cnvRunCmd{},
	"stats":        &statsCmd{},
	"export-numpy": &exportNumpy{},
	"dump":         &dumpCmd{},
}

func Main() {
	if !isatty.IsTerminal(os.Stderr.Fd()) {
		logrus.StandardLogger().Formatter = &logrus.TextFormatter{DisableTimestamp: true}
	}
	os.Exit(RunCommand(os.Args[0], os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

// RunCommand dispatches args[0] to the matching subcommand handler.
func RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		fmt.Fprintf(stderr, "usage: %s command [options]\n\ncommands:\n", prog)
		listCommands(stderr)
		return 2
	}
	cmd, ok := handler[args[0]]
	if !ok {
		fmt.Fprintf(stderr, "%s: unrecognized command %q\ncommands:\n", prog, args[0])
		listCommands(stderr)
		return 2
	}
	return cmd.RunCommand(prog+" "+args[0], args[1:], stdin, stdout, stderr)
}

func listCommands(w io.Writer) {
	var names []string
	for name := range handler {
		if name[0] == '-' || name == "version" {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(w, "  %s\n", name)
	}
}

type versionCmd struct{}

func (versionCmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	fmt.Fprintf(stdout, "%s %s\n", prog, version)
	return 0
}
