// Copyright (c) 2015 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

// Package testutil has helpers shared by package tests. Call TestMain from the
// package's own TestMain (conventionally in main_test.go) so that TempDir is
// removed after a successful run:
//
//	func TestMain(m *testing.M) {
//		testutil.TestMain(m)
//	}
package testutil

import (
	"flag"
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"

	log "github.com/golang/glog"
)

var tempDir string

// TempDir returns a directory private to this test process. Use
// ioutil.TempDir on it for something private to one test.
func TempDir() string {
	if tempDir == "" {
		var err error
		if tempDir, err = ioutil.TempDir("", filepath.Base(os.Args[0])); err != nil {
			log.Fatalf("can't create temp dir: %s", err)
		}
	}
	return tempDir
}

// TestMain runs the tests and cleans up TempDir if they all passed.
func TestMain(m *testing.M) {
	flag.Parse()
	ret := m.Run()
	if ret == 0 && tempDir != "" {
		os.RemoveAll(tempDir)
	}
	os.Exit(ret)
}
