// Copyright 2024 The solsight Authors
// This file is part of solsight.
//
// solsight is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// solsight is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with solsight. If not, see <http://www.gnu.org/licenses/>.

// solsight is the wallet-analysis orchestration daemon: it syncs wallet
// transaction history from the upstream provider and serves PNL,
// behavior and similarity analyses through a job queue.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"gopkg.in/urfave/cli.v1"

	"github.com/solsight/solsight/cmd/utils"
	"github.com/solsight/solsight/log"
	"github.com/solsight/solsight/node"
	"github.com/solsight/solsight/params"
)

const clientIdentifier = "solsight"

var gitCommit = "" // set via ldflags

func main() {
	app := cli.NewApp()
	app.Name = clientIdentifier
	app.Usage = "wallet analysis orchestration daemon"
	app.Version = params.Version
	if gitCommit != "" {
		app.Version += "-" + gitCommit[:8]
	}
	app.Flags = utils.Flags
	app.Action = runNode
	app.Commands = []cli.Command{
		dumpConfigCommand,
		versionCommand,
	}
	sort.Sort(cli.CommandsByName(app.Commands))

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// runNode is the main entry point if no subcommand is given. It builds
// the node from the command line and runs it in blocking mode until it
// is shut down.
func runNode(ctx *cli.Context) error {
	cfg, err := utils.MakeConfig(ctx)
	if err != nil {
		return err
	}
	n, err := node.New(cfg)
	if err != nil {
		return err
	}
	if err := n.Start(); err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.NewModuleLogger(log.Cmd).Info("shutting down", "signal", sig.String())
	n.Stop()
	return nil
}

var dumpConfigCommand = cli.Command{
	Name:        "dumpconfig",
	Usage:       "Show configuration values",
	Category:    "MISCELLANEOUS COMMANDS",
	Flags:       utils.Flags,
	Description: "The dumpconfig command shows the effective configuration as TOML.",
	Action: func(ctx *cli.Context) error {
		cfg, err := utils.MakeConfig(ctx)
		if err != nil {
			return err
		}
		return utils.DumpConfig(cfg, os.Stdout)
	},
}

var versionCommand = cli.Command{
	Name:     "version",
	Usage:    "Print version numbers",
	Category: "MISCELLANEOUS COMMANDS",
	Action: func(ctx *cli.Context) error {
		fmt.Println(clientIdentifier, params.Version)
		if gitCommit != "" {
			fmt.Println("Git Commit:", gitCommit)
		}
		return nil
	},
}
