// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package block

import (
	"bufio"
	"bytes"
	"encoding/gob"
	"fmt"
	"io"

	"github.com/grailbio/base/errors"
	"github.com/spaolacci/murmur3"
)

// wireBlock is the gob representation of a block. The checksum is
// transmitted as a separate trailing message so that it can cover the
// encoded bytes of the block itself.
type wireBlock struct {
	Dtype Dtype
	Rows  int
	Cols  int
	Data  []float64
}

// Encode writes b to w in the block wire format: a gob-encoded header
// and payload followed by a murmur3 checksum of the encoded bytes.
// Streams written by Encode are read by Decode.
func Encode(w io.Writer, b *Block) error {
	hash := murmur3.New64()
	enc := gob.NewEncoder(io.MultiWriter(w, hash))
	err := enc.Encode(wireBlock{
		Dtype: b.dtype,
		Rows:  b.rows,
		Cols:  b.cols,
		Data:  b.data,
	})
	if err != nil {
		return err
	}
	return enc.Encode(hash.Sum64())
}

// Decode reads a single block from r, validating its checksum and
// dtype tag. Checksum or tag mismatches return an error with kind
// errors.Integrity.
func Decode(r io.Reader) (*Block, error) {
	// Gob treats a reader that implements io.ByteReader as already
	// buffered and otherwise inserts its own bufio layer, which would
	// desynchronize the hash from the stream position. Buffer here and
	// fake the io.ByteReader implementation so the tee sees exactly
	// the bytes gob consumes.
	hash := murmur3.New64()
	if _, ok := r.(io.ByteReader); !ok {
		r = bufio.NewReader(r)
	}
	dec := gob.NewDecoder(readerByteReader{Reader: io.TeeReader(r, hash)})
	var wire wireBlock
	if err := dec.Decode(&wire); err != nil {
		return nil, err
	}
	sum := hash.Sum64()
	var decoded uint64
	if err := dec.Decode(&decoded); err != nil {
		return nil, err
	}
	if sum != decoded {
		return nil, errors.E(errors.Integrity, fmt.Sprintf("block: computed checksum %x but expected %x", sum, decoded))
	}
	if wire.Dtype != Float64 {
		return nil, errors.E(errors.Integrity, fmt.Sprintf("block: unsupported dtype tag %v", wire.Dtype))
	}
	if wire.Rows < 0 || wire.Cols < 0 || len(wire.Data) != wire.Rows*wire.Cols {
		return nil, errors.E(errors.Integrity, fmt.Sprintf("block: %d elements for shape %dx%d", len(wire.Data), wire.Rows, wire.Cols))
	}
	return &Block{dtype: wire.Dtype, rows: wire.Rows, cols: wire.Cols, data: wire.Data}, nil
}

// Marshal encodes b into a byte slice. It is a convenience for RPC
// payloads that travel inside another encoded message.
func Marshal(b *Block) ([]byte, error) {
	var buf bytes.Buffer
	if err := Encode(&buf, b); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Unmarshal decodes a block previously encoded by Marshal or Encode.
func Unmarshal(p []byte) (*Block, error) {
	return Decode(bytes.NewReader(p))
}

// readerByteReader provides an (invalid) io.ByteReader implementation
// to keep gob from inserting its own buffering. See Decode.
type readerByteReader struct {
	io.Reader
	io.ByteReader
}
