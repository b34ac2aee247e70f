// Copyright (C) The Cellscope Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package cellscope

import (
	"bufio"
	"io"
	"os"
	"strings"

	"github.com/klauspost/pgzip"
)

type nopCloser struct {
	io.Writer
}

func (nopCloser) Close() error { return nil }

// open opens filename for reading, decompressing transparently when
// the name ends in .gz. "-" means stdin.
func open(filename string, stdin io.Reader) (io.ReadCloser, error) {
	var r io.ReadCloser
	if filename == "-" {
		r = io.NopCloser(stdin)
	} else {
		f, err := os.Open(filename)
		if err != nil {
			return nil, err
		}
		r = f
	}
	if strings.HasSuffix(filename, ".gz") {
		zr, err := pgzip.NewReader(bufio.NewReaderSize(r, 1<<20))
		if err != nil {
			r.Close()
			return nil, err
		}
		return struct {
			io.Reader
			io.Closer
		}{zr, r}, nil
	}
	return r, nil
}

// openWriter opens filename for writing ("-" means stdout).
func openWriter(filename string, stdout io.Writer) (io.WriteCloser, error) {
	if filename == "-" {
		return nopCloser{stdout}, nil
	}
	return os.OpenFile(filename, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0666)
}
