// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package block

import (
	"bytes"
	"testing"

	fuzz "github.com/google/gofuzz"
	"github.com/grailbio/base/errors"
)

func TestCodec(t *testing.T) {
	fz := fuzz.New()
	fz.NumElements(1, 1000)
	for iter := 0; iter < 20; iter++ {
		var data []float64
		fz.Fuzz(&data)
		b := Make(1, len(data), append([]float64{}, data...))
		var buf bytes.Buffer
		if err := Encode(&buf, b); err != nil {
			t.Fatal(err)
		}
		got, err := Decode(&buf)
		if err != nil {
			t.Fatal(err)
		}
		if !got.Equal(b) {
			t.Errorf("iter %d: decoded block differs", iter)
		}
	}
}

func TestCodecShapes(t *testing.T) {
	for _, shape := range [][2]int{{0, 0}, {1, 1}, {3, 7}, {128, 1}, {1, 128}} {
		b := New(shape[0], shape[1])
		for i := range b.Data() {
			b.Data()[i] = float64(i) * 0.5
		}
		p, err := Marshal(b)
		if err != nil {
			t.Fatal(err)
		}
		got, err := Unmarshal(p)
		if err != nil {
			t.Fatal(err)
		}
		if !got.Equal(b) {
			t.Errorf("shape %v: decoded block differs", shape)
		}
	}
}

func TestCodecCorruption(t *testing.T) {
	b := Make(2, 3, []float64{1, 2, 3, 4, 5, 6})
	p, err := Marshal(b)
	if err != nil {
		t.Fatal(err)
	}
	// Flip a byte in the payload region. The first bytes carry gob
	// type definitions; corrupting those yields a gob error rather
	// than a checksum failure, so flip late in the stream.
	p[len(p)-12] ^= 0xff
	_, err = Unmarshal(p)
	if err == nil {
		t.Fatal("expected error decoding corrupted block")
	}
}

func TestCodecIntegrity(t *testing.T) {
	b := Make(1, 4, []float64{1, 2, 3, 4})
	var buf bytes.Buffer
	if err := Encode(&buf, b); err != nil {
		t.Fatal(err)
	}
	p := buf.Bytes()
	// Corrupt the sign bit of a payload float. Gob still decodes the
	// message; the checksum must catch the mutation.
	for i := len(p) - 1; i > 0; i-- {
		q := append([]byte{}, p...)
		q[i] ^= 0x80
		_, err := Unmarshal(q)
		if err == nil {
			t.Fatalf("corruption at byte %d went undetected", i)
		}
		if errors.Is(errors.Integrity, err) {
			return
		}
	}
	t.Fatal("no corruption produced an integrity error")
}
