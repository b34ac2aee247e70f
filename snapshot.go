// Copyright (C) The Cellscope Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package cellscope

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/pgzip"
	"golang.org/x/crypto/blake2b"
)

// A snapshot file is a gob stream holding one snapshotEntry: the
// container gob-encoded into Payload, plus a blake2b-256 hash of the
// payload, verified on load. Filenames ending in .gz are
// pgzip-compressed. Every stage writes a full copy, never a diff.
type snapshotEntry struct {
	Format  int
	Stage   string
	Blake2b [blake2b.Size256]byte
	Payload []byte
}

const snapshotFormat = 1

// WriteSnapshot writes m to filename ("-" means w). Writes to a real
// file go through a temp file in the same directory and a rename, so
// a parallel run reading or writing the same path never sees a torn
// snapshot.
func WriteSnapshot(m *CountMatrix, filename string, w io.Writer) error {
	if err := m.check(); err != nil {
		return err
	}
	if filename == "-" {
		return encodeSnapshot(m, w, false)
	}
	tmp, err := os.CreateTemp(filepath.Dir(filename), "."+filepath.Base(filename)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	err = encodeSnapshot(m, tmp, strings.HasSuffix(filename, ".gz"))
	if err != nil {
		tmp.Close()
		return err
	}
	err = tmp.Close()
	if err != nil {
		return err
	}
	return os.Rename(tmp.Name(), filename)
}

func encodeSnapshot(m *CountMatrix, w io.Writer, gz bool) error {
	var payload bytes.Buffer
	err := gob.NewEncoder(&payload).Encode(m)
	if err != nil {
		return fmt.Errorf("encode %s snapshot: %w", m.Stage, err)
	}
	out := w
	var zw *pgzip.Writer
	if gz {
		zw = pgzip.NewWriter(w)
		out = zw
	}
	err = gob.NewEncoder(out).Encode(snapshotEntry{
		Format:  snapshotFormat,
		Stage:   m.Stage,
		Blake2b: blake2b.Sum256(payload.Bytes()),
		Payload: payload.Bytes(),
	})
	if err != nil {
		return fmt.Errorf("write %s snapshot: %w", m.Stage, err)
	}
	if zw != nil {
		return zw.Close()
	}
	return nil
}

// ReadSnapshot loads a container from filename ("-" means r).
func ReadSnapshot(filename string, r io.Reader) (*CountMatrix, error) {
	if filename != "-" {
		f, err := os.Open(filename)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		r = f
	}
	return DecodeSnapshot(r, strings.HasSuffix(filename, ".gz"))
}

// DecodeSnapshot reads a container from r, decompressing if gz, and
// verifies the stored content hash before decoding the payload.
func DecodeSnapshot(r io.Reader, gz bool) (*CountMatrix, error) {
	if gz {
		zr, err := pgzip.NewReader(r)
		if err != nil {
			return nil, err
		}
		defer zr.Close()
		r = zr
	}
	var ent snapshotEntry
	err := gob.NewDecoder(r).Decode(&ent)
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	if ent.Format != snapshotFormat {
		return nil, fmt.Errorf("read snapshot: unsupported format %d", ent.Format)
	}
	if sum := blake2b.Sum256(ent.Payload); sum != ent.Blake2b {
		return nil, fmt.Errorf("read snapshot (stage %q): content hash mismatch", ent.Stage)
	}
	var m CountMatrix
	err = gob.NewDecoder(bytes.NewReader(ent.Payload)).Decode(&m)
	if err != nil {
		return nil, fmt.Errorf("decode snapshot (stage %q): %w", ent.Stage, err)
	}
	if err := m.check(); err != nil {
		return nil, fmt.Errorf("snapshot (stage %q): %w", ent.Stage, err)
	}
	return &m, nil
}
