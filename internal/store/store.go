// Copyright (c) 2015 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

// Package store persists the gfmd metadata that the replica lifecycle code
// depends on: inodes, registered hosts, valid file copies and dead file
// copies. Everything is replayed into memory at startup; there is no lazy
// loading, so the number of records is bounded by what fits in memory.
package store

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/boltdb/bolt"
	log "github.com/golang/glog"

	"github.com/westerndigitalcorporation/gfmd/internal/core"
)

var (
	deadCopyBucket = []byte("dead_file_copy") // inum|gen|host -> ""
	fileCopyBucket = []byte("file_copy")      // inum|host -> gen
	inodeBucket    = []byte("inode")          // inum -> InodeRecord
	hostBucket     = []byte("host")           // name -> HostRecord

	allBuckets = [][]byte{deadCopyBucket, fileCopyBucket, inodeBucket, hostBucket}
)

// InodeRecord is the persistent form of an inode.
type InodeRecord struct {
	Inum   core.InodeID
	Parent core.InodeID
	Name   string
	IsDir  bool
	Gen    core.Gen
	Size   int64
	Atime  time.Time
	Spec   core.ReplicaSpec
}

// HostRecord is the persistent form of a registered storage host.
type HostRecord struct {
	Name     string
	Addr     string
	Fsngroup string
}

// Store is a bolt database. All methods are safe for concurrent use; each is
// its own transaction.
type Store struct {
	db *bolt.DB
}

// Open opens or creates the database at 'path'.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, os.FileMode(0600), &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	log.Infof("opened metadata db %s", path)
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func u64(v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return b[:]
}

func deadCopyKey(k core.DeadCopyKey) []byte {
	key := make([]byte, 0, 16+len(k.Host))
	key = append(key, u64(uint64(k.Inode))...)
	key = append(key, u64(uint64(k.Gen))...)
	return append(key, k.Host...)
}

func fileCopyKey(inum core.InodeID, host string) []byte {
	return append(u64(uint64(inum)), host...)
}

func (s *Store) put(bucket, key, val []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Put(key, val)
	})
}

func (s *Store) del(bucket, key []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Delete(key)
	})
}

// scan calls 'cb' for every record of 'bucket'. The records are copied out
// of the read transaction first, so 'cb' may write to the database.
func (s *Store) scan(bucket []byte, cb func(k, v []byte) error) error {
	var keys, vals [][]byte
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).ForEach(func(k, v []byte) error {
			keys = append(keys, append([]byte(nil), k...))
			vals = append(vals, append([]byte(nil), v...))
			return nil
		})
	})
	if err != nil {
		return err
	}
	for i := range keys {
		if err := cb(keys[i], vals[i]); err != nil {
			return err
		}
	}
	return nil
}

// DeadFileCopyAdd persists a dead file copy.
func (s *Store) DeadFileCopyAdd(k core.DeadCopyKey) error {
	return s.put(deadCopyBucket, deadCopyKey(k), nil)
}

// DeadFileCopyRemove deletes a dead file copy. Deleting a missing record is
// not an error.
func (s *Store) DeadFileCopyRemove(k core.DeadCopyKey) error {
	return s.del(deadCopyBucket, deadCopyKey(k))
}

// DeadFileCopyLoad calls 'cb' for every persisted dead file copy.
func (s *Store) DeadFileCopyLoad(cb func(core.DeadCopyKey)) error {
	return s.scan(deadCopyBucket, func(k, _ []byte) error {
		if len(k) < 16 {
			return fmt.Errorf("corrupt dead_file_copy key %x", k)
		}
		cb(core.DeadCopyKey{
			Inode: core.InodeID(binary.BigEndian.Uint64(k[0:8])),
			Gen:   core.Gen(binary.BigEndian.Uint64(k[8:16])),
			Host:  string(k[16:]),
		})
		return nil
	})
}

// FileCopyAdd records that 'host' holds a valid replica of generation 'gen'
// of 'inum'.
func (s *Store) FileCopyAdd(inum core.InodeID, host string, gen core.Gen) error {
	return s.put(fileCopyBucket, fileCopyKey(inum, host), u64(uint64(gen)))
}

// FileCopyRemove forgets the replica of 'inum' on 'host'.
func (s *Store) FileCopyRemove(inum core.InodeID, host string) error {
	return s.del(fileCopyBucket, fileCopyKey(inum, host))
}

// FileCopyLoad calls 'cb' for every persisted valid replica.
func (s *Store) FileCopyLoad(cb func(inum core.InodeID, host string, gen core.Gen)) error {
	return s.scan(fileCopyBucket, func(k, v []byte) error {
		if len(k) < 8 || len(v) != 8 {
			return fmt.Errorf("corrupt file_copy record %x", k)
		}
		cb(core.InodeID(binary.BigEndian.Uint64(k[0:8])), string(k[8:]), core.Gen(binary.BigEndian.Uint64(v)))
		return nil
	})
}

// InodePut creates or replaces an inode.
func (s *Store) InodePut(rec InodeRecord) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.put(inodeBucket, u64(uint64(rec.Inum)), b)
}

// InodeRemove deletes an inode together with its file copies.
func (s *Store) InodeRemove(inum core.InodeID) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		prefix := u64(uint64(inum))
		c := tx.Bucket(fileCopyBucket).Cursor()
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Seek(prefix) {
			if err := c.Delete(); err != nil {
				return err
			}
		}
		return tx.Bucket(inodeBucket).Delete(prefix)
	})
}

// InodeLoad calls 'cb' for every inode in ascending inode number order.
func (s *Store) InodeLoad(cb func(InodeRecord)) error {
	return s.scan(inodeBucket, func(_, v []byte) error {
		var rec InodeRecord
		if err := json.Unmarshal(v, &rec); err != nil {
			return err
		}
		cb(rec)
		return nil
	})
}

// HostPut creates or replaces a host.
func (s *Store) HostPut(rec HostRecord) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.put(hostBucket, []byte(rec.Name), b)
}

// HostRemove deletes a host.
func (s *Store) HostRemove(name string) error {
	return s.del(hostBucket, []byte(name))
}

// HostLoad calls 'cb' for every registered host.
func (s *Store) HostLoad(cb func(HostRecord)) error {
	return s.scan(hostBucket, func(_, v []byte) error {
		var rec HostRecord
		if err := json.Unmarshal(v, &rec); err != nil {
			return err
		}
		cb(rec)
		return nil
	})
}
