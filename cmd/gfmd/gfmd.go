// Copyright (c) 2018 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package main

import (
	"encoding/json"
	"flag"
	"os"

	log "github.com/golang/glog"

	"github.com/westerndigitalcorporation/gfmd/internal/gfmd"
)

/*

Configuring various parameters follows three steps:

  (1) Default config parameters are taken from 'gfmd.DefaultProdConfig'.

  (2) An optional configuration file (in json format) can be specified via the command-line flag '-gfmdCfg' to override the default values.

  (3) Optional flags can be used to override each individual parameter set in the previous two steps, e.g., '-db=ZZZ'.

*/

var (
	// We use default configuration of production environment.
	gfmdCfg = gfmd.DefaultProdConfig

	// Config file name.
	gfmdFile = flag.String("gfmdCfg", "", "configuration file for gfmd")

	addr       = flag.String("addr", "", "address for requests and the status page")
	dbPath     = flag.String("db", "", "path of the metadata database")
	useFailure = flag.Bool("useFailure", false, "whether to enable the failure service")

	// Replica check switches. Use "true" or "false"; empty keeps the
	// configured value.
	replicaCheck       = flag.String("replicaCheck", "", "run the replica checker")
	replicaCheckRemove = flag.String("replicaCheckRemove", "", "let the replica checker remove surplus replicas")
	reducedLog         = flag.String("reducedLog", "", "rate-limit repeated log messages")
)

// Initialize config parameters. It first tries to read from the configuration
// file and then applies the command-line flags to override specified values.
func init() {
	flag.Parse()

	if "" != *gfmdFile {
		f, err := os.Open(*gfmdFile)
		if nil != err {
			log.Fatalf("couldn't open the provided config file: %s", err)
		}
		dec := json.NewDecoder(f)
		if err = dec.Decode(&gfmdCfg); nil != err {
			log.Fatalf("failed to decode the config file: %s", err)
		}
		f.Close()
	}

	// Override values from command-line flags.
	// NOTE: Because of how Go's flag package works, there is no way to tell
	// if a value is set by the user or not. Therefore, we use meaningless
	// default values to check whether a particular flag is set, and only
	// override the corresponding value if so.
	if "" != *addr {
		gfmdCfg.Addr = *addr
	}
	if "" != *dbPath {
		gfmdCfg.DBPath = *dbPath
	}
	if *useFailure {
		gfmdCfg.UseFailure = *useFailure
	}
	boolFlag(*replicaCheck, &gfmdCfg.ReplicaCheck)
	boolFlag(*replicaCheckRemove, &gfmdCfg.ReplicaCheckRemove)
	boolFlag(*reducedLog, &gfmdCfg.ReducedLog)
}

func boolFlag(v string, dst *bool) {
	switch v {
	case "":
	case "true":
		*dst = true
	case "false":
		*dst = false
	default:
		log.Fatalf("bad boolean flag value %q", v)
	}
}

func main() {
	// Validate if the given configuration has reasonable values.
	if err := gfmdCfg.Validate(); err != nil {
		log.Fatalf("Failed to validate configurations: %v", err)
	}

	g, err := gfmd.Open(gfmdCfg)
	if err != nil {
		log.Fatalf("failed to start gfmd: %s", err)
	}

	server := gfmd.NewServer(g, gfmdCfg)
	log.Infof("starting gfmd...")
	if e := server.Start(); nil != e {
		log.Fatalf("couldn't start gfmd server: %s", e.Error())
	}
}
