// Copyright (c) 2015 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

// Package rpc wraps net/rpc over HTTP for the gfmd services and the storage
// host back channel.
package rpc

import (
	"net/http"
	"net/rpc"
	"sync"
	"time"
)

var (
	handleOnce sync.Once
	noDeadline time.Time
)

// RegisterName registers 'rcvr' with the default RPC server and makes sure
// the server is reachable through http.DefaultServeMux.
func RegisterName(name string, rcvr interface{}) error {
	handleOnce.Do(rpc.HandleHTTP)
	return rpc.RegisterName(name, rcvr)
}

// ListenAndServe serves http.DefaultServeMux, including RPC, on 'addr'.
func ListenAndServe(addr string) error {
	return http.ListenAndServe(addr, nil)
}
