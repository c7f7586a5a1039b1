// Copyright (c) 2017 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package testutil

import (
	"reflect"
	"sync"
	"testing"
)

// GenericMock helps write mock objects. Embed it and add type-safe wrappers
// that call GetResult. Calls can be scripted one by one with AddCall, or given
// a standing answer with SetDefault. Every call is counted.
type GenericMock struct {
	t        testing.TB
	lock     sync.Mutex
	script   []mockCall
	defaults map[string]interface{}
	counts   map[string]int
}

type mockCall struct {
	method string
	args   []interface{}
	result interface{}
	used   bool
}

// NewGenericMock creates a GenericMock reporting failures to 't'.
func NewGenericMock(t testing.TB) *GenericMock {
	return &GenericMock{
		t:        t,
		defaults: make(map[string]interface{}),
		counts:   make(map[string]int),
	}
}

// AddCall scripts one call. Arguments are matched with reflect.DeepEqual.
func (m *GenericMock) AddCall(method string, result interface{}, args ...interface{}) {
	m.lock.Lock()
	m.script = append(m.script, mockCall{method: method, args: args, result: result})
	m.lock.Unlock()
}

// SetDefault answers every call of 'method' not matched by a scripted call.
func (m *GenericMock) SetDefault(method string, result interface{}) {
	m.lock.Lock()
	m.defaults[method] = result
	m.lock.Unlock()
}

// GetResult returns the result of the first unused scripted call matching
// 'method' and 'args', or the method's default. It fails the test if neither
// exists.
func (m *GenericMock) GetResult(method string, args ...interface{}) interface{} {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.counts[method]++
	for i := range m.script {
		c := &m.script[i]
		if !c.used && c.method == method && reflect.DeepEqual(c.args, args) {
			c.used = true
			return c.result
		}
	}
	if r, ok := m.defaults[method]; ok {
		return r
	}
	m.t.Errorf("unexpected call %s%#v", method, args)
	return nil
}

// GetError is GetResult for methods returning only an error.
func (m *GenericMock) GetError(method string, args ...interface{}) error {
	return ToErr(m.GetResult(method, args...))
}

// NumCalls returns how many times 'method' was called.
func (m *GenericMock) NumCalls(method string) int {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.counts[method]
}

// NoMoreCalls fails the test if a scripted call was never made.
func (m *GenericMock) NoMoreCalls() {
	m.lock.Lock()
	defer m.lock.Unlock()
	for _, c := range m.script {
		if !c.used {
			m.t.Errorf("scripted call never made: %s%#v", c.method, c.args)
		}
	}
}

// ToErr converts an interface{} holding an error, or nil, to an error.
func ToErr(v interface{}) error {
	if v == nil {
		return nil
	}
	return v.(error)
}
