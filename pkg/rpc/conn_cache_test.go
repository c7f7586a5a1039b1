// Copyright (c) 2016 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package rpc

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

type Echo struct{}

func (Echo) Say(in string, out *string) error {
	*out = "echo: " + in
	return nil
}

func TestCallAndCache(t *testing.T) {
	if err := RegisterName("Echo", Echo{}); err != nil {
		t.Fatal(err)
	}
	srv := httptest.NewServer(http.DefaultServeMux)
	defer srv.Close()
	addr := strings.TrimPrefix(srv.URL, "http://")

	cc := NewConnCache(time.Second, time.Second, 2)
	defer cc.Close()

	for i := 0; i < 3; i++ {
		var out string
		if err := cc.Call(context.Background(), addr, "Echo.Say", "hi", &out); err != nil {
			t.Fatalf("call %d: %s", i, err)
		}
		if out != "echo: hi" {
			t.Fatalf("got %q", out)
		}
	}
	if cc.conns.Len() != 1 {
		t.Errorf("expected one cached connection, got %d", cc.conns.Len())
	}

	cc.Drop(addr)
	if cc.conns.Len() != 0 {
		t.Errorf("connection not dropped")
	}
}

func TestCallUnreachable(t *testing.T) {
	cc := NewConnCache(100*time.Millisecond, time.Second, 0)
	var out string
	// Nothing listens on port 1.
	if err := cc.Call(context.Background(), "127.0.0.1:1", "Echo.Say", "hi", &out); err != ErrConnect {
		t.Errorf("expected ErrConnect, got %v", err)
	}
}
