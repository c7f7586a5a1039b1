// Copyright (c) 2018 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package replcheck

import (
	"container/list"
	"sync"

	"github.com/westerndigitalcorporation/gfmd/internal/core"
	"github.com/westerndigitalcorporation/gfmd/internal/namespace"
)

// Item is a file to reconcile. It carries its own copy of the policy, and a
// reference on the file's dirset that's dropped once the item is done.
type Item struct {
	Inum   core.InodeID
	Gen    core.Gen
	Spec   core.ReplicaSpec
	Dirset *namespace.Dirset
}

// done releases the item's dirset reference.
func (it Item) done() {
	it.Dirset.Unref()
}

// dispatchQueue is the FIFO of files to reconcile ahead of the scan. A file
// is queued at most once; queuing it again replaces the older item in place.
type dispatchQueue struct {
	lock  sync.Mutex
	items *list.List // of Item
	index map[core.InodeID]*list.Element
}

func newDispatchQueue() *dispatchQueue {
	return &dispatchQueue{
		items: list.New(),
		index: make(map[core.InodeID]*list.Element),
	}
}

// push queues 'it', taking over its dirset reference.
func (q *dispatchQueue) push(it Item) {
	q.lock.Lock()
	defer q.lock.Unlock()
	if e, ok := q.index[it.Inum]; ok {
		e.Value.(Item).done()
		e.Value = it
		return
	}
	q.index[it.Inum] = q.items.PushBack(it)
}

// requeue puts back an item that couldn't be processed, at the head. If the
// file was queued again meanwhile, the newer item wins.
func (q *dispatchQueue) requeue(it Item) {
	q.lock.Lock()
	defer q.lock.Unlock()
	if _, ok := q.index[it.Inum]; ok {
		it.done()
		return
	}
	q.index[it.Inum] = q.items.PushFront(it)
}

// pop takes the oldest item.
func (q *dispatchQueue) pop() (Item, bool) {
	q.lock.Lock()
	defer q.lock.Unlock()
	e := q.items.Front()
	if e == nil {
		return Item{}, false
	}
	it := q.items.Remove(e).(Item)
	delete(q.index, it.Inum)
	return it, true
}

func (q *dispatchQueue) len() int {
	q.lock.Lock()
	defer q.lock.Unlock()
	return q.items.Len()
}

// clear drops everything.
func (q *dispatchQueue) clear() {
	for {
		it, ok := q.pop()
		if !ok {
			return
		}
		it.done()
	}
}
