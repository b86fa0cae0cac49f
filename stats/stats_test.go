// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package stats

import "testing"

func TestMap(t *testing.T) {
	m := NewMap()
	var (
		tasks = m.Int("tasks")
		_     = m.Int("retry")
	)
	if got, want := tasks.Get(), int64(0); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	tasks.Add(5)
	tasks.Add(5)
	if got, want := tasks.Get(), int64(10); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	all := make(Values)
	m.AddAll(all)
	m.AddAll(all)
	if got, want := len(all), 2; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := all["tasks"], int64(20); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := all["retry"], int64(0); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestSnapshot(t *testing.T) {
	m := NewMap()
	m.Int("read").Add(3)
	vals := m.Snapshot()
	m.Int("read").Add(4)
	if got, want := vals["read"], int64(3); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := m.Snapshot().String(), "read:7"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}
