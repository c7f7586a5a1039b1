// Copyright (c) 2015 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

// Package failures is a small failure-injection service. Components register a
// handler under a key; operators GET the current configuration as a JSON
// object and POST a new one. Every POST replaces the whole configuration, keys
// missing from it are reset to null and their handlers are called with nil.
//
//	curl localhost:port/__failure__ -XPOST -d '{"remove_replica_error": ["host1"]}'
//
// Posting "{}" clears every failure.
package failures

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
)

// DefaultPath is where Init mounts the service.
const DefaultPath = "/__failure__"

// Handler is invoked with the new value of its key, or nil when it's reset.
type Handler func(json.RawMessage) error

// Registry holds the failure configuration and the handlers interpreting it.
type Registry struct {
	lock     sync.Mutex
	values   map[string]*json.RawMessage
	handlers map[string]Handler
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		values:   make(map[string]*json.RawMessage),
		handlers: make(map[string]Handler),
	}
}

var std = NewRegistry()

// Init mounts the process-wide registry on DefaultPath of 'mux'.
func Init(mux *http.ServeMux) {
	mux.Handle(DefaultPath, std)
}

// Register adds a handler to the process-wide registry.
func Register(key string, h Handler) error {
	return std.Register(key, h)
}

// Register adds a handler under 'key'. Keys can be registered only once.
func (r *Registry) Register(key string, h Handler) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	if _, ok := r.handlers[key]; ok {
		return fmt.Errorf("failure key %q is already registered", key)
	}
	r.handlers[key] = h
	r.values[key] = nil
	return nil
}

// apply installs 'updates' as the new configuration.
func (r *Registry) apply(updates map[string]*json.RawMessage) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	for key := range updates {
		if _, ok := r.handlers[key]; !ok {
			return fmt.Errorf("failure key %q is not registered", key)
		}
	}
	for key, old := range r.values {
		v := updates[key]
		switch {
		case v != nil:
			if err := r.handlers[key](*v); err != nil {
				return err
			}
		case old != nil:
			if err := r.handlers[key](nil); err != nil {
				return err
			}
		}
		r.values[key] = v
	}
	return nil
}

// ServeHTTP implements http.Handler.
func (r *Registry) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	switch req.Method {
	case "GET":
		r.lock.Lock()
		b, err := json.Marshal(r.values)
		r.lock.Unlock()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(b)
	case "POST":
		var updates map[string]*json.RawMessage
		if err := json.NewDecoder(req.Body).Decode(&updates); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := r.apply(updates); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
		}
	default:
		http.Error(w, "unsupported method "+req.Method, http.StatusMethodNotAllowed)
	}
}
