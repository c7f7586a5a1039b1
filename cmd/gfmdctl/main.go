// Copyright (c) 2018 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package main

import (
	"flag"
	"os"
)

func main() {
	// We should send our own log output to stderr.
	// Our own flags are parsed by cli, glog only needs to see a parsed
	// command line.
	flag.Set("logtostderr", "true")
	flag.CommandLine.Parse(nil)

	ctl := newGfmdCtl()
	defer ctl.stop()
	if err := ctl.run(os.Args); err != nil {
		os.Exit(1)
	}
}
