// Copyright (c) 2018 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package gfmd

import (
	"net/http"

	log "github.com/golang/glog"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/westerndigitalcorporation/gfmd/internal/core"
	"github.com/westerndigitalcorporation/gfmd/internal/server"
	"github.com/westerndigitalcorporation/gfmd/pkg/failures"
	"github.com/westerndigitalcorporation/gfmd/pkg/rpc"
)

// Per-RPC stats, shared by both handlers.
var rpcOps = server.NewOpMetric("gfmd_rpc", "rpc")

var ctlRPCs = []string{"ReplicaCheckCtl", "AddHost", "RemoveHost", "ListHosts", "ListDeadCopies", "Stats"}

// Server is the RPC and HTTP front end of gfmd.
type Server struct {
	gfmd *Gfmd
	cfg  Config

	ctlHandler  *GfmdCtlHandler
	hostHandler *GfmdHostHandler
}

// NewServer creates a new Server.
func NewServer(g *Gfmd, cfg Config) *Server {
	return &Server{
		gfmd:        g,
		cfg:         cfg,
		ctlHandler:  &GfmdCtlHandler{gfmd: g, opm: rpcOps},
		hostHandler: &GfmdHostHandler{gfmd: g, opm: rpcOps},
	}
}

// Start starts the background work and serves requests. It blocks forever.
func (s *Server) Start() (err error) {
	http.HandleFunc("/", s.statusHandler)
	http.Handle("/metrics", promhttp.Handler())
	http.HandleFunc("/readonly", s.readOnlyHandler)
	http.HandleFunc("/snapshot", s.snapshotHandler)

	if s.cfg.UseFailure {
		failures.Init(http.DefaultServeMux)
		if err = failures.Register("host_rpc", s.gfmd.failures.Handler); err != nil {
			return err
		}
	}

	if err = rpc.RegisterName("GfmdCtlHandler", s.ctlHandler); err != nil {
		return err
	}
	if err = rpc.RegisterName("GfmdHostHandler", s.hostHandler); err != nil {
		return err
	}

	s.gfmd.Start()

	log.Infof("listening on address %s", s.cfg.Addr)
	err = rpc.ListenAndServe(s.cfg.Addr) // this blocks forever
	log.Fatalf("http listener returned error: %v", err)
	return
}

func (s *Server) readOnlyHandler(w http.ResponseWriter, r *http.Request) {
	server.ReadOnlyHandler(w, r, s.gfmd)
}

// snapshotHandler streams a compressed copy of the database.
func (s *Server) snapshotHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != "GET" {
		http.Error(w, "method must be GET", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	if err := s.gfmd.st.WriteSnapshot(w); err != nil {
		// Headers are gone already, the client sees a truncated stream.
		log.Errorf("failed to write snapshot: %s", err)
	}
}

//------------------
// Storage host RPCs
//------------------

// GfmdHostHandler serves the storage hosts.
type GfmdHostHandler struct {
	gfmd *Gfmd
	opm  *server.OpMetric
}

// HostHeartbeat records a heartbeat.
func (h *GfmdHostHandler) HostHeartbeat(req core.HostHeartbeatReq, reply *core.HostHeartbeatReply) error {
	op := h.opm.Start("HostHeartbeat")
	defer func() { op.EndWithError(reply.Err) }()

	reply.Err = h.gfmd.Hosts.Heartbeat(req)

	log.V(2).Infof("HostHeartbeat: req %+v reply %+v", req, *reply)
	return nil
}

func (h *GfmdHostHandler) rpcStats() map[string]string {
	return h.opm.Strings("HostHeartbeat")
}

//--------------
// Operator RPCs
//--------------

// GfmdCtlHandler serves gfmdctl.
type GfmdCtlHandler struct {
	gfmd *Gfmd
	opm  *server.OpMetric
}

// ReplicaCheckCtl enables, disables or queries the replica checker.
func (h *GfmdCtlHandler) ReplicaCheckCtl(req core.ReplicaCheckCtlReq, reply *core.ReplicaCheckCtlReply) error {
	op := h.opm.Start("ReplicaCheckCtl")
	defer func() { op.EndWithError(reply.Err) }()

	reply.State, reply.Err = h.gfmd.ReplicaCheckCtl(req.Op)

	log.Infof("ReplicaCheckCtl: req %+v reply %s", req, reply.State)
	return nil
}

// AddHost registers a storage host.
func (h *GfmdCtlHandler) AddHost(req core.AddHostReq, reply *core.Error) error {
	op := h.opm.Start("AddHost")
	defer func() { op.EndWithError(*reply) }()

	*reply = h.gfmd.Hosts.AddHost(req.Name, req.Addr, req.Fsngroup)

	log.Infof("AddHost: req %+v reply %s", req, *reply)
	return nil
}

// RemoveHost unregisters a storage host. Its replicas and dead file copies
// are forgotten.
func (h *GfmdCtlHandler) RemoveHost(name string, reply *core.Error) error {
	op := h.opm.Start("RemoveHost")
	defer func() { op.EndWithError(*reply) }()

	*reply = h.gfmd.Hosts.RemoveHost(name)

	log.Infof("RemoveHost: req %s reply %s", name, *reply)
	return nil
}

// ListHosts describes every registered host.
func (h *GfmdCtlHandler) ListHosts(req struct{}, reply *core.ListHostsReply) error {
	op := h.opm.Start("ListHosts")
	defer op.End()

	reply.Hosts = h.gfmd.Hosts.Hosts()
	return nil
}

// ListDeadCopies lists dead file copies and their states.
func (h *GfmdCtlHandler) ListDeadCopies(req core.ListDeadCopiesReq, reply *core.ListDeadCopiesReply) error {
	op := h.opm.Start("ListDeadCopies")
	defer op.End()

	reply.Copies, reply.Total = h.gfmd.ListDeadCopies(req.Host, req.Max)
	return nil
}

// Stats returns replica check and dead file copy statistics.
func (h *GfmdCtlHandler) Stats(req struct{}, reply *core.StatsReply) error {
	op := h.opm.Start("Stats")
	defer op.End()

	*reply = h.gfmd.Stats()
	return nil
}

func (h *GfmdCtlHandler) rpcStats() map[string]string {
	return h.opm.Strings(ctlRPCs...)
}
