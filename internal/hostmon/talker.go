// Copyright (c) 2016 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package hostmon

import (
	"context"

	"github.com/westerndigitalcorporation/gfmd/internal/core"
	"github.com/westerndigitalcorporation/gfmd/internal/server"
	"github.com/westerndigitalcorporation/gfmd/pkg/rpc"
)

// Talker sends replica requests to storage hosts.
type Talker interface {
	RemoveReplica(ctx context.Context, addr string, req core.RemoveReplicaReq) core.Error
	Replicate(ctx context.Context, addr string, req core.ReplicateReq) core.Error
}

// RPCTalker is a Talker using net/rpc connections from a pkg/rpc.ConnCache.
type RPCTalker struct {
	cc       *rpc.ConnCache
	failures *server.OpFailure
}

// NewRPCTalker creates an RPCTalker. Errors registered in 'failures' under
// "remove_replica" and "replicate" are returned instead of sending the RPC.
func NewRPCTalker(cc *rpc.ConnCache, failures *server.OpFailure) *RPCTalker {
	return &RPCTalker{cc: cc, failures: failures}
}

func (t *RPCTalker) call(ctx context.Context, addr, op, method string, req interface{}) core.Error {
	if err := t.failures.Get(op); err != core.NoError {
		return err
	}
	var reply core.Error
	if err := t.cc.Call(ctx, addr, method, req, &reply); err != nil {
		return core.ErrRPC
	}
	return reply
}

// RemoveReplica implements Talker.
func (t *RPCTalker) RemoveReplica(ctx context.Context, addr string, req core.RemoveReplicaReq) core.Error {
	return t.call(ctx, addr, "remove_replica", core.GfsdRemoveReplicaMethod, req)
}

// Replicate implements Talker.
func (t *RPCTalker) Replicate(ctx context.Context, addr string, req core.ReplicateReq) core.Error {
	return t.call(ctx, addr, "replicate", core.GfsdReplicateMethod, req)
}
