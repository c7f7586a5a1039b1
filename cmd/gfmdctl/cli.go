// Copyright (c) 2018 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/codegangsta/cli"
	shlex "github.com/flynn-archive/go-shlex"
	log "github.com/golang/glog"
	"github.com/peterh/liner"

	"github.com/westerndigitalcorporation/gfmd/internal/core"
	"github.com/westerndigitalcorporation/gfmd/pkg/rpc"
)

var usage = `
	gfmdctl talks to a running gfmd. It controls the replica checker, manages
	storage hosts and shows dead file copies and statistics.

	Issue one command:

		gfmdctl [--gfmd <addr>] <subcommand> [<flags>...]

	or start an interpreter:

		gfmdctl [--gfmd <addr>] shell
	`

type gfmdCtl struct {
	app     *cli.App
	cc      *rpc.ConnCache
	inShell bool
}

func newGfmdCtl() *gfmdCtl {
	g := &gfmdCtl{cc: rpc.NewConnCache(5*time.Second, 30*time.Second, 1)}
	app := cli.NewApp()
	app.Name = "gfmdctl"
	app.Usage = usage
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "gfmd, g",
			Usage: "address of gfmd",
			Value: "localhost:601",
		},
	}

	hostFlag := cli.StringFlag{
		Name:  "host",
		Usage: "storage host name",
	}

	app.Commands = []cli.Command{
		{
			Name:      "replica-check",
			Usage:     "Enables, disables or shows the replica checker.",
			ArgsUsage: "[enable|disable|status]",
			Action: g.ctlAction(map[string]core.ReplicaCheckOp{
				"enable":  core.ReplicaCheckEnable,
				"disable": core.ReplicaCheckDisable,
				"status":  core.ReplicaCheckStatus,
				"":        core.ReplicaCheckStatus,
			}),
		},
		{
			Name:      "remove",
			Usage:     "Lets the replica checker remove surplus replicas, or stops it.",
			ArgsUsage: "enable|disable",
			Action: g.ctlAction(map[string]core.ReplicaCheckOp{
				"enable":  core.ReplicaCheckRemoveEnable,
				"disable": core.ReplicaCheckRemoveDisable,
			}),
		},
		{
			Name:      "reduced-log",
			Usage:     "Turns rate limiting of repeated log messages on or off.",
			ArgsUsage: "enable|disable",
			Action: g.ctlAction(map[string]core.ReplicaCheckOp{
				"enable":  core.ReplicaCheckReducedLogEnable,
				"disable": core.ReplicaCheckReducedLogDisable,
			}),
		},
		{
			Name:   "hosts",
			Usage:  "Lists the storage hosts.",
			Action: g.cmdHosts,
		},
		{
			Name:  "add-host",
			Usage: "Registers a storage host.",
			Flags: []cli.Flag{
				hostFlag,
				cli.StringFlag{Name: "addr", Usage: "RPC address of the host"},
				cli.StringFlag{Name: "group", Usage: "fsngroup of the host"},
			},
			Action: g.cmdAddHost,
		},
		{
			Name:   "remove-host",
			Usage:  "Unregisters a storage host. Its replicas are forgotten.",
			Flags:  []cli.Flag{hostFlag},
			Action: g.cmdRemoveHost,
		},
		{
			Name:  "dead-copies",
			Usage: "Lists obsolete replicas waiting for removal.",
			Flags: []cli.Flag{
				hostFlag,
				cli.IntFlag{Name: "max", Usage: "list at most this many", Value: 100},
			},
			Action: g.cmdDeadCopies,
		},
		{
			Name:   "stats",
			Usage:  "Shows replica check and dead file copy statistics.",
			Action: g.cmdStats,
		},
		{
			Name:   "shell",
			Usage:  "Starts an interactive shell.",
			Action: g.cmdShell,
		},
	}
	g.app = app
	return g
}

func (g *gfmdCtl) run(args []string) error {
	return g.app.Run(args)
}

func (g *gfmdCtl) stop() {
	g.cc.Close()
}

// call sends one RPC to gfmd.
func (g *gfmdCtl) call(c *cli.Context, method string, req, reply interface{}) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := g.cc.Call(ctx, c.GlobalString("gfmd"), method, req, reply); err != nil {
		log.Errorf("%s: %s", method, err)
		return false
	}
	return true
}

func check(err core.Error) bool {
	if err != core.NoError {
		log.Errorf("Error: %s", err)
		return false
	}
	return true
}

// ctlAction returns an action sending the ReplicaCheckCtl op named by the
// first argument.
func (g *gfmdCtl) ctlAction(ops map[string]core.ReplicaCheckOp) func(*cli.Context) {
	return func(c *cli.Context) {
		op, ok := ops[c.Args().First()]
		if !ok {
			log.Errorf("unknown argument %q", c.Args().First())
			return
		}
		var reply core.ReplicaCheckCtlReply
		if g.call(c, core.ReplicaCheckCtlMethod, core.ReplicaCheckCtlReq{Op: op}, &reply) && check(reply.Err) {
			fmt.Printf("replica check: %s\n", reply.State)
		}
	}
}

func (g *gfmdCtl) cmdHosts(c *cli.Context) {
	var reply core.ListHostsReply
	if !g.call(c, core.ListHostsMethod, struct{}{}, &reply) || !check(reply.Err) {
		return
	}
	const GB = 1000000000
	now := time.Now()
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tADDR\tGROUP\tSTATUS\tLAST HB\tUSED\tAVAIL GB\tLOAD")
	for _, h := range reply.Hosts {
		hb := "never"
		if !h.LastBeat.IsZero() {
			hb = fmt.Sprintf("%.0fs ago", now.Sub(h.LastBeat).Seconds())
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%.1f%%\t%d\t%.2f\n",
			h.Name, h.Addr, h.Fsngroup, h.Status, hb, 100*h.UsedRatio, h.Load.DiskAvail/GB, h.Load.LoadAvg)
	}
	w.Flush()
}

func (g *gfmdCtl) cmdAddHost(c *cli.Context) {
	req := core.AddHostReq{Name: c.String("host"), Addr: c.String("addr"), Fsngroup: c.String("group")}
	if req.Name == "" || req.Addr == "" {
		log.Errorf("--host and --addr are required")
		return
	}
	var reply core.Error
	if g.call(c, core.AddHostMethod, req, &reply) && check(reply) {
		fmt.Printf("added %s\n", req.Name)
	}
}

func (g *gfmdCtl) cmdRemoveHost(c *cli.Context) {
	name := c.String("host")
	if name == "" {
		log.Errorf("--host is required")
		return
	}
	var reply core.Error
	if g.call(c, core.RemoveHostMethod, name, &reply) && check(reply) {
		fmt.Printf("removed %s\n", name)
	}
}

func (g *gfmdCtl) cmdDeadCopies(c *cli.Context) {
	req := core.ListDeadCopiesReq{Host: c.String("host"), Max: c.Int("max")}
	var reply core.ListDeadCopiesReply
	if !g.call(c, core.ListDeadCopiesMethod, req, &reply) || !check(reply.Err) {
		return
	}
	for _, d := range reply.Copies {
		fmt.Printf("%s\t%s\n", d.Key, d.State)
	}
	if reply.Total > len(reply.Copies) {
		fmt.Printf("... %d more\n", reply.Total-len(reply.Copies))
	}
}

func (g *gfmdCtl) cmdStats(c *cli.Context) {
	var r core.StatsReply
	if !g.call(c, core.StatsMethod, struct{}{}, &r) || !check(r.Err) {
		return
	}
	l := r.LastScan
	fmt.Printf("scans:          %d\n", r.Scans)
	if !l.Start.IsZero() {
		fmt.Printf("last scan:      %s, took %s (lock wait %s), complete %t\n",
			l.Start.Format(time.RFC3339), l.Elapsed, l.LockWait, l.Complete)
		fmt.Printf("  files:        %d, %d replicas created, %d removed, %d skipped\n",
			l.Files, l.Created, l.Removed, l.Skipped)
	}
	fmt.Printf("targets:        %d\n", r.Targets)
	fmt.Printf("expedited:      %d\n", r.Expedited)
	fmt.Printf("dead copies:   ")
	for _, st := range []string{"deferred", "kept", "lost", "pending", "in_flight", "finished", "finalizing", "busy"} {
		fmt.Printf(" %s=%d", st, r.DeadCopy[st])
	}
	fmt.Println()
}

// cmdShell implements "shell" subcommand.
func (g *gfmdCtl) cmdShell(c *cli.Context) {
	if g.inShell {
		return
	}
	g.inShell = true
	defer func() { g.inShell = false }()

	// Make cli not exit on errors.
	cli.OsExiter = func(int) {}

	line := liner.NewLiner()
	line.SetCtrlCAborts(true)
	line.SetCompleter(func(input string) (c []string) {
		for _, cmd := range g.app.Commands {
			if strings.HasPrefix(cmd.Name, input) {
				c = append(c, cmd.Name)
			}
		}
		return
	})
	defer line.Close()

	for {
		input, err := line.Prompt(fmt.Sprintf("(%s) ", c.GlobalString("gfmd")))
		if err != nil {
			if err != liner.ErrPromptAborted {
				log.Errorf("error: %v", err)
			}
			return
		}

		// Split with shell-style quoting.
		args, err := shlex.Split(input)
		if err != nil {
			log.Errorf("error: %v", err)
			continue
		}
		if len(args) == 0 {
			continue
		}
		if args[0] == "exit" || args[0] == "quit" {
			return
		}

		full := append([]string{"gfmdctl", "--gfmd", c.GlobalString("gfmd")}, args...)
		if g.run(full) == nil {
			line.AppendHistory(input)
		}
	}
}
