// Copyright (c) 2016 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package rpc

import (
	"context"
	"errors"
	"net/rpc"
	"sync"
	"time"

	"github.com/golang/groupcache/lru"

	log "github.com/golang/glog"
)

// ErrConnect is returned if no connection to the peer could be established.
var ErrConnect = errors.New("rpc: couldn't connect")

// ConnCache keeps RPC clients to storage hosts keyed by address. Idle clients
// beyond the cache size are closed in LRU order. Safe for concurrent use.
type ConnCache struct {
	lock  sync.Mutex
	conns *lru.Cache // addr -> *sharedClient

	dialTimeout time.Duration
	callTimeout time.Duration
}

// sharedClient is an rpc.Client with a count of its users. The cache itself
// holds one reference while the client is cached.
type sharedClient struct {
	refs int
	clt  *rpc.Client
}

// release drops one reference and closes the client when nobody uses it any
// longer. ConnCache.lock must be held.
func (s *sharedClient) release() bool {
	s.refs--
	if s.refs > 0 {
		return false
	}
	s.clt.Close()
	return true
}

// NewConnCache creates a ConnCache holding at most 'maxConns' clients (zero
// means no limit).
func NewConnCache(dialTimeout, callTimeout time.Duration, maxConns int) *ConnCache {
	if maxConns < 0 {
		log.Fatalf("negative connection cache size %d", maxConns)
	}
	c := &ConnCache{
		conns:       lru.New(maxConns),
		dialTimeout: dialTimeout,
		callTimeout: callTimeout,
	}
	c.conns.OnEvicted = func(key lru.Key, v interface{}) {
		log.V(5).Infof("closing cached connection to %v", key)
		v.(*sharedClient).release()
	}
	return c
}

func (c *ConnCache) acquire(ctx context.Context, addr string) *sharedClient {
	c.lock.Lock()
	if v, ok := c.conns.Get(addr); ok {
		s := v.(*sharedClient)
		s.refs++
		c.lock.Unlock()
		return s
	}
	c.lock.Unlock()

	dctx, cancel := context.WithTimeout(ctx, c.dialTimeout)
	defer cancel()
	clt, err := dialHTTP(dctx, addr)
	if err != nil {
		log.Warningf("can't connect to %s: %s", addr, err)
		return nil
	}

	c.lock.Lock()
	defer c.lock.Unlock()
	if v, ok := c.conns.Get(addr); ok {
		// Lost a race with another dialer.
		clt.Close()
		s := v.(*sharedClient)
		s.refs++
		return s
	}
	log.Infof("connected to %s", addr)
	s := &sharedClient{refs: 2, clt: clt}
	c.conns.Add(addr, s)
	return s
}

// unacquire gives back a client. A client that saw a transport error is
// removed from the cache so that the next call redials.
func (c *ConnCache) unacquire(addr string, s *sharedClient, err error) {
	c.lock.Lock()
	defer c.lock.Unlock()
	if s.release() || err == nil {
		return
	}
	if v, ok := c.conns.Get(addr); ok && v == s {
		log.Warningf("dropping connection to %s: %s", addr, err)
		c.conns.Remove(addr)
	}
}

// Call invokes 'method' on the peer at 'addr' and waits for the reply, the
// call timeout, or the cancellation of ctx.
func (c *ConnCache) Call(ctx context.Context, addr, method string, req, reply interface{}) error {
	s := c.acquire(ctx, addr)
	if s == nil {
		return ErrConnect
	}
	cctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	call := s.clt.Go(method, req, reply, make(chan *rpc.Call, 1))
	select {
	case <-call.Done:
		c.unacquire(addr, s, call.Error)
		if call.Error == rpc.ErrShutdown {
			// Peer reset the connection; redial once within the same deadline.
			return c.Call(cctx, addr, method, req, reply)
		}
		return call.Error
	case <-cctx.Done():
		log.Warningf("rpc %s to %s: %s", method, addr, cctx.Err())
		c.unacquire(addr, s, cctx.Err())
		return cctx.Err()
	}
}

// Drop closes the cached connection to 'addr', if any.
func (c *ConnCache) Drop(addr string) {
	c.lock.Lock()
	c.conns.Remove(addr)
	c.lock.Unlock()
}

// Close drops every cached connection. Clients still in use are closed when
// their last caller is done.
func (c *ConnCache) Close() {
	c.lock.Lock()
	c.conns.Clear()
	c.lock.Unlock()
}
