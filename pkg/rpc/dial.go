// Copyright (c) 2017 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package rpc

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/rpc"
)

// connectedStatus mirrors the unexported net/rpc handshake reply.
const connectedStatus = "200 Connected to Go RPC"

// dialHTTP is rpc.DialHTTP with a context bounding the connect and the
// CONNECT handshake.
func dialHTTP(ctx context.Context, addr string) (*rpc.Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	if dl, ok := ctx.Deadline(); ok {
		conn.SetDeadline(dl)
	}
	io.WriteString(conn, "CONNECT "+rpc.DefaultRPCPath+" HTTP/1.0\n\n")
	resp, err := http.ReadResponse(bufio.NewReader(conn), &http.Request{Method: "CONNECT"})
	if err == nil && resp.Status != connectedStatus {
		err = fmt.Errorf("unexpected HTTP response %q", resp.Status)
	}
	if err != nil {
		conn.Close()
		return nil, &net.OpError{Op: "dial-http", Net: "tcp " + addr, Err: err}
	}
	// Calls are bounded by ConnCache, not by the socket.
	conn.SetDeadline(noDeadline)
	return rpc.NewClient(conn), nil
}
