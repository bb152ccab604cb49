// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

/*
Starts a single worker agent that connects to a Panther master, negotiates
the parameter/observation schema, and runs model evaluations on request
until the master sends TERMINATE or the process receives a signal.

For usage details, run agent with the command line flag -h or --help.
*/
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/anvil-labs/panther/clog"
	"github.com/anvil-labs/panther/config"
	"github.com/anvil-labs/panther/modelif"
	"github.com/anvil-labs/panther/schema"
	"github.com/anvil-labs/panther/worker"
)

func main() {
	var controlPath string
	var configPath string
	var help bool
	var log bool

	flag.Usage = usage
	flag.StringVar(&controlPath, "c", "panther.pst", "control file describing parameters, observations, and model interface")
	flag.StringVar(&configPath, "t", "", "optional tunables file")
	flag.BoolVar(&help, "h", false, "Show usage information")
	flag.BoolVar(&log, "l", false, "Show logging output (for debugging)")
	flag.Parse()

	if flag.NArg() < 2 || flag.NArg() > 3 || help {
		usage()
		os.Exit(0)
	}
	if log {
		clog.Enable()
	}

	host, port := flag.Arg(0), flag.Arg(1)
	if flag.NArg() == 3 {
		controlPath = flag.Arg(2)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "agent: loading tunables: %v\n", err)
		os.Exit(1)
	}

	control, err := schema.Load(controlPath, schema.LoadOptions{})
	if err != nil {
		fmt.Fprintf(os.Stderr, "agent: loading control file %s: %v\n", controlPath, err)
		os.Exit(1)
	}

	masterAddr := fmt.Sprintf("%s:%s", host, port)
	a := worker.New(masterAddr, cfg, modelFactory(control))

	// Handle SIGTERM/SIGINT by closing stop, which unwinds Run's reconnect
	// loop the same way a master-issued TERMINATE does.
	stop := make(chan struct{})
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		fmt.Printf("agent: terminating on signal %v...\n", sig)
		close(stop)
	}()

	fmt.Printf("agent: connecting to %s...\n", masterAddr)
	if err := a.Run(stop); err != nil {
		fmt.Fprintf(os.Stderr, "agent: %v\n", err)
		os.Exit(1)
	}
}

// modelFactory builds the per-run modelif.Interface from the loaded
// control file, rooted at the agent's model sandbox directory, the one it
// reports to the master during schema negotiation.
func modelFactory(control *schema.ControlFile) worker.ModelFactory {
	return func(runDir string) (*modelif.Interface, error) {
		templates := make([]modelif.TemplateInputPair, 0, len(control.TemplateInputs))
		for _, p := range control.TemplateInputs {
			templates = append(templates, modelif.TemplateInputPair{
				TemplateFile: absIn(runDir, p.A),
				InputFile:    absIn(runDir, p.B),
			})
		}
		instructions := make([]modelif.InstructionOutputPair, 0, len(control.InstructionOutputs))
		for _, p := range control.InstructionOutputs {
			instructions = append(instructions, modelif.InstructionOutputPair{
				InstructionFile: absIn(runDir, p.A),
				OutputFile:      absIn(runDir, p.B),
			})
		}
		return &modelif.Interface{
			Templates:    templates,
			Instructions: instructions,
			CommandLines: control.CommandLines,
			WorkDir:      runDir,
		}, nil
	}
}

func absIn(dir, name string) string {
	if filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(dir, name)
}

func usage() {
	fmt.Printf(`usage: agent [-h|--help] [-l] [-c control_file] [-t tunables_file] master_host master_port [control_file]

Connects to a Panther master at master_host:master_port and serves model
evaluations until terminated. The control file may also be given
positionally as a third argument, which takes precedence over -c.

Flags:
`)
	flag.PrintDefaults()
}
