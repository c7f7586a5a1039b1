// Copyright (c) 2016 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

// Package hostmon is the registry of storage hosts. It tracks their liveness
// from heartbeats and is the back channel used to ask hosts to create and
// remove replicas.
package hostmon

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	log "github.com/golang/glog"

	"github.com/westerndigitalcorporation/gfmd/internal/core"
	"github.com/westerndigitalcorporation/gfmd/internal/store"
)

// Status is the liveness of a host as far as we can tell from heartbeats.
type Status int

const (
	// StatusUp means the host has beaten recently.
	StatusUp Status = iota

	// StatusUnhealthy means the host missed some heartbeats. It's not used
	// for new work but isn't considered gone yet.
	StatusUnhealthy

	// StatusDown means the host has been silent for long enough that it's
	// considered gone.
	StatusDown
)

func (s Status) String() string {
	switch s {
	case StatusUp:
		return "up"
	case StatusUnhealthy:
		return "unhealthy"
	}
	return "down"
}

// View is the read-only liveness and capacity query interface over the
// registry. All methods are safe to call without holding any other lock.
type View interface {
	// IsValid is true while the host is registered.
	IsValid(host string) bool

	// IsUp is true if the host is registered and beating.
	IsUp(host string) bool

	// IsBusy is true if the host should not be given more work at 'now'.
	IsBusy(host string, now time.Time) bool

	// DiskUsedRatio is used/(used+avail) of the host's spool, or 0 if unknown.
	DiskUsedRatio(host string) float64

	// DiskAvail is the free space of the host's spool in bytes.
	DiskAvail(host string) uint64

	// DownSince is when the host was last seen up if it isn't up now, and the
	// zero time if it is.
	DownSince(host string) time.Time

	// Fsngroup is the host's placement group.
	Fsngroup(host string) string

	// UpHosts lists the hosts that are up, sorted by name.
	UpHosts() []string
}

// Listener receives host events. Events are delivered one at a time, without
// the monitor's lock held, in the order the status changes happened. A
// listener may call back into the monitor.
type Listener interface {
	HostUp(host string)
	HostDown(host string)
	HostRemoved(host string)
	FsngroupChanged(host string)
}

// HostStore persists the host registry.
type HostStore interface {
	HostPut(store.HostRecord) error
	HostRemove(name string) error
}

// Config holds the liveness parameters.
type Config struct {
	// A host that hasn't beaten for this long is unhealthy.
	HostUnhealthy time.Duration

	// A host that hasn't beaten for this long is down.
	HostDown time.Duration

	// How often statuses are recomputed by Run.
	RefreshInterval time.Duration

	// Hosts reporting a load average above this are busy.
	BusyLoadAvg float64

	// A host answering ErrTooBusy is busy for this long.
	BusyBackoff time.Duration

	// Timeout of remove and replicate requests.
	RPCTimeout time.Duration
}

// hostData is what we know about one host. Exported fields are used by the
// status page.
type hostData struct {
	Name     string
	Addr     string
	Fsngroup string

	// Zero if the host never beat.
	LastBeat time.Time
	Load     core.HostLoad
	Status   Status

	busyUntil time.Time
}

type event struct {
	host string
	kind func(Listener, string)
}

// Monitor tracks registered hosts and their heartbeats.
type Monitor struct {
	lock  sync.Mutex
	hosts map[string]*hostData

	// Hosts that never beat aren't down until they had a chance to beat.
	start time.Time

	cfg       Config
	store     HostStore
	talker    Talker
	listeners []Listener

	// Events not yet handed to listeners, oldest first.
	pending []event
	// Set while some goroutine is draining 'pending'.
	delivering bool

	getTime func() time.Time
}

// NewMonitor creates an empty Monitor.
func NewMonitor(cfg Config, st HostStore, talker Talker, getTime func() time.Time) *Monitor {
	return &Monitor{
		hosts:   make(map[string]*hostData),
		start:   getTime(),
		cfg:     cfg,
		store:   st,
		talker:  talker,
		getTime: getTime,
	}
}

// AddListener subscribes 'l' to host events. Must be called before Run.
func (m *Monitor) AddListener(l Listener) {
	m.lock.Lock()
	m.listeners = append(m.listeners, l)
	m.lock.Unlock()
}

// queue appends events to the delivery queue. Lock must be held.
func (m *Monitor) queue(events ...event) {
	m.pending = append(m.pending, events...)
}

// dispatch delivers queued events. If another goroutine is already
// delivering, it returns at once and that goroutine delivers ours as well.
// Lock must not be held.
func (m *Monitor) dispatch() {
	m.lock.Lock()
	if m.delivering {
		m.lock.Unlock()
		return
	}
	m.delivering = true
	for len(m.pending) > 0 {
		e := m.pending[0]
		m.pending = m.pending[1:]
		listeners := m.listeners
		m.lock.Unlock()
		for _, l := range listeners {
			e.kind(l, e.host)
		}
		m.lock.Lock()
	}
	m.pending = nil
	m.delivering = false
	m.lock.Unlock()
}

// Restore adds a host loaded from the database. No event is generated.
func (m *Monitor) Restore(rec store.HostRecord) {
	m.lock.Lock()
	m.hosts[rec.Name] = &hostData{Name: rec.Name, Addr: rec.Addr, Fsngroup: rec.Fsngroup, Status: StatusUnhealthy}
	m.lock.Unlock()
}

// AddHost registers a new host.
func (m *Monitor) AddHost(name, addr, fsngroup string) core.Error {
	if name == "" {
		return core.ErrInvalidArgument
	}
	m.lock.Lock()
	if _, ok := m.hosts[name]; ok {
		m.lock.Unlock()
		return core.ErrHostExist
	}
	m.hosts[name] = &hostData{Name: name, Addr: addr, Fsngroup: fsngroup, Status: StatusUnhealthy}
	m.lock.Unlock()

	if err := m.store.HostPut(store.HostRecord{Name: name, Addr: addr, Fsngroup: fsngroup}); err != nil {
		log.Errorf("failed to persist host %s: %s", name, err)
		return core.ErrDB
	}
	log.Infof("registered host %s (%s) in fsngroup %q", name, addr, fsngroup)
	return core.NoError
}

// RemoveHost unregisters a host for good.
func (m *Monitor) RemoveHost(name string) core.Error {
	m.lock.Lock()
	if _, ok := m.hosts[name]; !ok {
		m.lock.Unlock()
		return core.ErrNoSuchHost
	}
	delete(m.hosts, name)
	m.queue(event{name, Listener.HostRemoved})
	m.lock.Unlock()

	if err := m.store.HostRemove(name); err != nil {
		log.Errorf("failed to remove host %s from db: %s", name, err)
	}
	log.Infof("host %s removed", name)
	m.dispatch()
	return core.NoError
}

// SetFsngroup moves a host to another placement group.
func (m *Monitor) SetFsngroup(name, fsngroup string) core.Error {
	m.lock.Lock()
	h, ok := m.hosts[name]
	if !ok {
		m.lock.Unlock()
		return core.ErrNoSuchHost
	}
	if h.Fsngroup == fsngroup {
		m.lock.Unlock()
		return core.NoError
	}
	h.Fsngroup = fsngroup
	rec := store.HostRecord{Name: h.Name, Addr: h.Addr, Fsngroup: fsngroup}
	m.queue(event{name, Listener.FsngroupChanged})
	m.lock.Unlock()

	if err := m.store.HostPut(rec); err != nil {
		log.Errorf("failed to persist host %s: %s", name, err)
		m.dispatch()
		return core.ErrDB
	}
	m.dispatch()
	return core.NoError
}

// Heartbeat records a heartbeat from a registered host.
func (m *Monitor) Heartbeat(req core.HostHeartbeatReq) core.Error {
	now := m.getTime()
	m.lock.Lock()
	h, ok := m.hosts[req.Host]
	if !ok {
		m.lock.Unlock()
		return core.ErrNoSuchHost
	}
	if req.Addr != "" {
		h.Addr = req.Addr
	}
	h.LastBeat = now
	h.Load = req.Load
	if h.Status != StatusUp {
		log.Infof("host %s is up", h.Name)
		h.Status = StatusUp
		m.queue(event{h.Name, Listener.HostUp})
	}
	m.lock.Unlock()

	m.dispatch()
	return core.NoError
}

// statusOf computes the status of 'h' at 'now'. Lock must be held.
func (m *Monitor) statusOf(h *hostData, now time.Time) Status {
	last := h.LastBeat
	if last.IsZero() {
		last = m.start
		if now.Sub(last) < m.cfg.HostDown {
			return StatusUnhealthy
		}
		return StatusDown
	}
	switch age := now.Sub(last); {
	case age < m.cfg.HostUnhealthy:
		return StatusUp
	case age < m.cfg.HostDown:
		return StatusUnhealthy
	}
	return StatusDown
}

// Refresh recomputes host statuses and emits HostDown for hosts that just went
// down.
func (m *Monitor) Refresh() {
	now := m.getTime()
	var events []event
	m.lock.Lock()
	for _, h := range m.hosts {
		s := m.statusOf(h, now)
		if s == StatusDown && h.Status != StatusDown {
			log.Warningf("host %s is down, last heartbeat %s", h.Name, h.LastBeat)
			events = append(events, event{h.Name, Listener.HostDown})
		}
		h.Status = s
	}
	sort.Slice(events, func(i, j int) bool { return events[i].host < events[j].host })
	m.queue(events...)
	m.lock.Unlock()

	m.dispatch()
}

// Run refreshes statuses periodically until 'stop' is closed.
func (m *Monitor) Run(stop <-chan struct{}) {
	ticker := time.NewTicker(m.cfg.RefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.Refresh()
		case <-stop:
			return
		}
	}
}

// RestartGrace restarts the grace period for hosts that never beat.
func (m *Monitor) RestartGrace() {
	m.lock.Lock()
	m.start = m.getTime()
	m.lock.Unlock()
}

// MarkBusy makes 'host' busy until 'until'.
func (m *Monitor) MarkBusy(host string, until time.Time) {
	m.lock.Lock()
	if h, ok := m.hosts[host]; ok && until.After(h.busyUntil) {
		h.busyUntil = until
	}
	m.lock.Unlock()
}

func (m *Monitor) get(host string) (hostData, bool) {
	m.lock.Lock()
	defer m.lock.Unlock()
	h, ok := m.hosts[host]
	if !ok {
		return hostData{}, false
	}
	return *h, true
}

// IsValid implements View.
func (m *Monitor) IsValid(host string) bool {
	_, ok := m.get(host)
	return ok
}

// IsUp implements View.
func (m *Monitor) IsUp(host string) bool {
	now := m.getTime()
	m.lock.Lock()
	defer m.lock.Unlock()
	h, ok := m.hosts[host]
	return ok && h.Status == StatusUp && m.statusOf(h, now) == StatusUp
}

// IsBusy implements View.
func (m *Monitor) IsBusy(host string, now time.Time) bool {
	h, ok := m.get(host)
	if !ok {
		return false
	}
	if now.Before(h.busyUntil) {
		return true
	}
	return m.cfg.BusyLoadAvg > 0 && h.Load.LoadAvg > m.cfg.BusyLoadAvg
}

// DiskUsedRatio implements View.
func (m *Monitor) DiskUsedRatio(host string) float64 {
	h, _ := m.get(host)
	return usedRatio(h.Load)
}

func usedRatio(l core.HostLoad) float64 {
	total := l.DiskUsed + l.DiskAvail
	if total == 0 {
		return 0
	}
	return float64(l.DiskUsed) / float64(total)
}

// DiskAvail implements View.
func (m *Monitor) DiskAvail(host string) uint64 {
	h, _ := m.get(host)
	return h.Load.DiskAvail
}

// DownSince implements View.
func (m *Monitor) DownSince(host string) time.Time {
	if m.IsUp(host) {
		return time.Time{}
	}
	m.lock.Lock()
	defer m.lock.Unlock()
	if h, ok := m.hosts[host]; ok && !h.LastBeat.IsZero() {
		return h.LastBeat
	}
	return m.start
}

// Fsngroup implements View.
func (m *Monitor) Fsngroup(host string) string {
	h, _ := m.get(host)
	return h.Fsngroup
}

// Addr returns the RPC address of 'host'.
func (m *Monitor) Addr(host string) string {
	h, _ := m.get(host)
	return h.Addr
}

// UpHosts implements View.
func (m *Monitor) UpHosts() []string {
	var up []string
	for _, h := range m.Hosts() {
		if h.Status == StatusUp.String() {
			up = append(up, h.Name)
		}
	}
	return up
}

// Hosts describes every registered host, sorted by name.
func (m *Monitor) Hosts() []core.HostInfo {
	now := m.getTime()
	m.lock.Lock()
	out := make([]core.HostInfo, 0, len(m.hosts))
	for _, h := range m.hosts {
		s := h.Status
		if s == StatusUp {
			s = m.statusOf(h, now)
		}
		out = append(out, core.HostInfo{
			Name:      h.Name,
			Addr:      h.Addr,
			Fsngroup:  h.Fsngroup,
			Status:    s.String(),
			LastBeat:  h.LastBeat,
			Load:      h.Load,
			UsedRatio: usedRatio(h.Load),
		})
	}
	m.lock.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// String summarizes host health.
func (m *Monitor) String() string {
	var up, unhealthy, down int
	hosts := m.Hosts()
	for _, h := range hosts {
		switch h.Status {
		case StatusUp.String():
			up++
		case StatusUnhealthy.String():
			unhealthy++
		default:
			down++
		}
	}
	return fmt.Sprintf("%d hosts, %d up, %d unhealthy, %d down", len(hosts), up, unhealthy, down)
}

func (m *Monitor) send(host string, f func(ctx context.Context, addr string) core.Error) core.Error {
	addr := m.Addr(host)
	if addr == "" {
		return core.ErrNoSuchHost
	}
	if !m.IsUp(host) {
		return core.ErrHostDown
	}
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.RPCTimeout)
	defer cancel()
	err := f(ctx, addr)
	if err == core.ErrTooBusy {
		m.MarkBusy(host, m.getTime().Add(m.cfg.BusyBackoff))
	}
	return err
}

// RemoveReplica asks 'host' to remove its copy of generation 'gen' of 'inum'.
func (m *Monitor) RemoveReplica(host string, inum core.InodeID, gen core.Gen) core.Error {
	return m.send(host, func(ctx context.Context, addr string) core.Error {
		return m.talker.RemoveReplica(ctx, addr, core.RemoveReplicaReq{Host: host, Inode: inum, Gen: gen})
	})
}

// Replicate asks 'host' to fetch generation 'gen' of 'inum' from one of
// 'srcs'.
func (m *Monitor) Replicate(host string, inum core.InodeID, gen core.Gen, srcs []string) core.Error {
	from := make([]string, 0, len(srcs))
	for _, s := range srcs {
		if a := m.Addr(s); a != "" {
			from = append(from, a)
		}
	}
	return m.send(host, func(ctx context.Context, addr string) core.Error {
		return m.talker.Replicate(ctx, addr, core.ReplicateReq{Host: host, Inode: inum, Gen: gen, From: from})
	})
}
