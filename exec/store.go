// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"io/ioutil"
	"strconv"
	"sync"

	"github.com/grailbio/base/compress/zstd"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/bigarray/block"
)

// blockInfo stores metadata for a stored block.
type blockInfo struct {
	// Size is the raw, encoded byte size of the stored block.
	Size int64
}

// A writeCommitter represents a committable write stream into a store.
type writeCommitter interface {
	io.Writer
	// Commit commits the written data to storage.
	Commit(ctx context.Context) error
	// Discard discards the writer; it will not be committed.
	Discard(ctx context.Context) error
}

// Store is an abstraction that stores encoded blocks keyed by handle
// id. Each executor owns a store: the driver holds source blocks and
// local task output; each bigmachine worker holds the output of the
// tasks it ran.
type Store interface {
	// Create returns a writer that populates data for the given
	// handle id. The data is not available to Open until the returned
	// committer has been committed.
	Create(ctx context.Context, id uint64) (writeCommitter, error)

	// Open returns a ReadCloser from which the stored block with the
	// given id can be read. If the id is not stored, an error with
	// kind errors.NotExist is returned. The offset specifies the byte
	// position from which to read.
	Open(ctx context.Context, id uint64, offset int64) (io.ReadCloser, error)

	// Stat returns metadata for the stored block.
	Stat(ctx context.Context, id uint64) (blockInfo, error)

	// Discard removes the stored block, releasing its storage. It is
	// a no-op to discard an id that is not stored.
	Discard(ctx context.Context, id uint64) error
}

// storePut encodes b into the store under the provided id, returning
// the encoded size.
func storePut(ctx context.Context, store Store, id uint64, b *block.Block) (int64, error) {
	wc, err := store.Create(ctx, id)
	if err != nil {
		return 0, err
	}
	if err = block.Encode(wc, b); err != nil {
		_ = wc.Discard(ctx)
		return 0, err
	}
	if err = wc.Commit(ctx); err != nil {
		return 0, err
	}
	info, err := store.Stat(ctx, id)
	if err != nil {
		return 0, err
	}
	return info.Size, nil
}

// storeGet decodes the block stored under the provided id.
func storeGet(ctx context.Context, store Store, id uint64) (*block.Block, error) {
	rc, err := store.Open(ctx, id, 0)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return block.Decode(rc)
}

// memoryStore is a store implementation that maintains in-memory
// buffers of encoded blocks.
type memoryStore struct {
	mu     sync.Mutex
	blocks map[uint64][]byte
}

func newMemoryStore() *memoryStore {
	return &memoryStore{blocks: make(map[uint64][]byte)}
}

func (m *memoryStore) get(id uint64) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.blocks[id]
	return p, ok
}

func (m *memoryStore) put(id uint64, p []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.blocks[id]; ok {
		return errors.E(errors.Exists, fmt.Sprintf("block %d already stored", id))
	}
	if p == nil {
		p = []byte{}
	}
	m.blocks[id] = p
	return nil
}

type memoryWriter struct {
	bytes.Buffer
	id    uint64
	store *memoryStore
}

func (*memoryWriter) Discard(context.Context) error {
	return nil
}

func (m *memoryWriter) Commit(ctx context.Context) error {
	return m.store.put(m.id, m.Buffer.Bytes())
}

func (m *memoryStore) Create(ctx context.Context, id uint64) (writeCommitter, error) {
	if _, ok := m.get(id); ok {
		return nil, errors.E(errors.Exists, fmt.Sprintf("create %d", id))
	}
	return &memoryWriter{id: id, store: m}, nil
}

func (m *memoryStore) Open(ctx context.Context, id uint64, offset int64) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, ok := m.get(id)
	if !ok {
		return nil, errors.E(errors.NotExist, fmt.Sprintf("open %d", id))
	}
	if int64(len(p)) < offset {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("open %d: seeked to %d, data size %d", id, offset, len(p)))
	}
	return ioutil.NopCloser(bytes.NewReader(p[offset:])), nil
}

func (m *memoryStore) Stat(ctx context.Context, id uint64) (blockInfo, error) {
	p, ok := m.get(id)
	if !ok {
		return blockInfo{}, errors.E(errors.NotExist, fmt.Sprintf("stat %d", id))
	}
	return blockInfo{Size: int64(len(p))}, nil
}

func (m *memoryStore) Discard(ctx context.Context, id uint64) error {
	m.mu.Lock()
	delete(m.blocks, id)
	m.mu.Unlock()
	return nil
}

// fileStore is a store implementation that uses grailfiles; thus
// block data can be stored at any URL supported by grailfile (e.g.,
// S3). Stored blocks are zstd-compressed.
type fileStore struct {
	// Prefix is the grailfile prefix under which blocks are stored. A
	// block's data is stored at "{Prefix}{id}.block.zst".
	Prefix string
}

func (s *fileStore) path(id uint64) string {
	return s.Prefix + strconv.FormatUint(id, 16) + ".block.zst"
}

type fileWriter struct {
	file file.File
	zw   io.WriteCloser
	ctx  context.Context
}

func (w *fileWriter) Write(p []byte) (int, error) {
	return w.zw.Write(p)
}

func (w *fileWriter) Commit(ctx context.Context) error {
	if err := w.zw.Close(); err != nil {
		return err
	}
	return closeFile(ctx, w.file)
}

func (w *fileWriter) Discard(ctx context.Context) error {
	_ = w.zw.Close()
	w.file.Discard(ctx)
	return nil
}

func (s *fileStore) Create(ctx context.Context, id uint64) (writeCommitter, error) {
	f, err := file.Create(ctx, s.path(id))
	if err != nil {
		return nil, err
	}
	zw, err := zstd.NewWriter(f.Writer(ctx))
	if err != nil {
		return nil, err
	}
	return &fileWriter{file: f, zw: zw, ctx: ctx}, nil
}

func (s *fileStore) Open(ctx context.Context, id uint64, offset int64) (io.ReadCloser, error) {
	f, err := file.Open(ctx, s.path(id))
	if err != nil {
		return nil, err
	}
	zr, err := zstd.NewReader(f.Reader(ctx))
	if err != nil {
		_ = closeFile(ctx, f)
		return nil, err
	}
	if offset > 0 {
		// Compression forecloses seeking; decompress up to the offset.
		if _, err = io.CopyN(ioutil.Discard, zr, offset); err != nil {
			zr.Close()
			_ = closeFile(ctx, f)
			return nil, err
		}
	}
	return &fileIOCloser{
		Reader: zr,
		ctx:    ctx,
		zr:     zr,
		file:   f,
	}, nil
}

func (s *fileStore) Stat(ctx context.Context, id uint64) (blockInfo, error) {
	f, err := file.Open(ctx, s.path(id))
	if err != nil {
		return blockInfo{}, err
	}
	info, err := f.Stat(ctx)
	if err != nil {
		_ = closeFile(ctx, f)
		return blockInfo{}, err
	}
	err = closeFile(ctx, f)
	return blockInfo{Size: info.Size()}, err
}

func (s *fileStore) Discard(ctx context.Context, id uint64) error {
	err := file.Remove(ctx, s.path(id))
	if err != nil && errors.Is(errors.NotExist, err) {
		return nil
	}
	return err
}

type fileIOCloser struct {
	io.Reader
	ctx  context.Context
	zr   io.ReadCloser
	file file.File
}

func (f *fileIOCloser) Close() error {
	if err := f.zr.Close(); err != nil {
		_ = closeFile(f.ctx, f.file)
		return err
	}
	return closeFile(f.ctx, f.file)
}

type closeNoSyncer interface {
	CloseNoSync(context.Context) error
}

// closeFile closes the provided file. It avoids syncing if the
// implementation supports it.
func closeFile(ctx context.Context, f file.File) error {
	if closer, ok := f.(closeNoSyncer); ok {
		return closer.CloseNoSync(ctx)
	}
	return f.Close(ctx)
}
