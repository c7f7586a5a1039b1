// Copyright (c) 2016 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package store

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/boltdb/bolt"
	log "github.com/golang/glog"
	"github.com/golang/snappy"
)

const (
	snapMagic   uint32 = 0x6f6d6431
	snapVersion uint32 = 1 // bolt file, snappy framed
)

// WriteSnapshot writes a consistent copy of the database to 'w':
//
//	4 bytes magic | 4 bytes version | snappy framed bolt file
func (s *Store) WriteSnapshot(w io.Writer) error {
	if err := binary.Write(w, binary.BigEndian, snapMagic); err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, snapVersion); err != nil {
		return err
	}
	sw := snappy.NewBufferedWriter(w)
	err := s.db.View(func(tx *bolt.Tx) error {
		_, err := tx.WriteTo(sw)
		return err
	})
	if err != nil {
		log.Errorf("failed to write snapshot: %s", err)
		return err
	}
	return sw.Close()
}

// RestoreSnapshot writes the database contained in a snapshot to 'path',
// which must not be open. The file is replaced atomically.
func RestoreSnapshot(r io.Reader, path string) error {
	var magic, version uint32
	if err := binary.Read(r, binary.BigEndian, &magic); err != nil {
		return err
	}
	if magic != snapMagic {
		return fmt.Errorf("not a snapshot (magic %x)", magic)
	}
	if err := binary.Read(r, binary.BigEndian, &version); err != nil {
		return err
	}
	if version != snapVersion {
		return fmt.Errorf("unsupported snapshot version %d", version)
	}

	tmp := path + ".restore"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	if _, err = io.Copy(f, snappy.NewReader(r)); err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}
