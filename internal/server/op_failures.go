// Copyright (c) 2016 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package server

import (
	"encoding/json"
	"sync"

	log "github.com/golang/glog"

	"github.com/westerndigitalcorporation/gfmd/internal/core"
)

// OpFailure holds injected errors by operation name. Its Handler is meant to
// be registered with pkg/failures; the value it accepts is a JSON object such
// as {"remove_replica": 12}, mapping op names to core.Error codes.
type OpFailure struct {
	lock     sync.Mutex
	failures map[string]core.Error
}

// NewOpFailure creates an OpFailure injecting nothing.
func NewOpFailure() *OpFailure {
	return &OpFailure{failures: make(map[string]core.Error)}
}

// Get returns the error to inject for 'op', or NoError.
func (f *OpFailure) Get(op string) core.Error {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.failures[op]
}

// Handler installs a new failure map; nil clears it.
func (f *OpFailure) Handler(config json.RawMessage) error {
	failures := make(map[string]core.Error)
	if config != nil {
		if err := json.Unmarshal(config, &failures); err != nil {
			log.Errorf("bad failure config %s: %s", config, err)
			return err
		}
	}
	log.Infof("injected op failures now %v", failures)
	f.lock.Lock()
	f.failures = failures
	f.lock.Unlock()
	return nil
}
