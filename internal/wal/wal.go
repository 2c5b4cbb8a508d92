// Package wal implements the write-ahead command log: every accepted
// mutating command is appended as an encoded array frame, durability is
// governed by a configurable fsync policy, and the log can be
// compacted in the background without blocking the writer for longer
// than the pause/resume handshake around the file swap.
package wal

import (
	"bufio"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	"github.com/tinyredis/tinyredis/internal/errs"
	"github.com/tinyredis/tinyredis/internal/protocol"
)

// Mode names a fsync policy.
type Mode string

const (
	ModeAlways      Mode = "always"
	ModeEverySecond Mode = "every-second"
	ModeNoFsync     Mode = "no-fsync"
)

const (
	queueCapacity       = 4096
	everySecondInterval = time.Second
)

type queuedRecord struct {
	seq     uint64
	data    []byte
	isPause bool
	isStop  bool
}

// WAL is the append-only command log plus its background writer and
// on-demand rewriter.
type WAL struct {
	path             string
	mode             Mode
	rewriteThreshold int64
	logger           *zap.Logger
	pool             *ants.Pool

	mu           sync.Mutex
	cond         *sync.Cond // guards durableSeq waits and the pause/resume handshake
	file         *os.File
	writer       *bufio.Writer
	nextSeq      uint64
	lastWritten  uint64
	durableSeq   uint64
	pendingBytes int64
	lastFsync    time.Time
	closed       bool

	pauseRequested bool
	paused         bool

	rewriting   atomic.Bool
	incMu       sync.Mutex
	incremental [][]byte

	queue chan queuedRecord
	wg    sync.WaitGroup
}

// Open opens (creating if absent) the log at path and starts its
// background writer goroutine.
func Open(path string, mode Mode, rewriteThresholdBytes int64, logger *zap.Logger) (*WAL, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errs.Wrap(errs.IoFailure, "wal: mkdir", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o644)
	if err != nil {
		return nil, errs.Wrap(errs.IoFailure, "wal: open", err)
	}
	pool, err := ants.NewPool(2)
	if err != nil {
		f.Close()
		return nil, errs.Wrap(errs.IoFailure, "wal: pool init", err)
	}

	w := &WAL{
		path:             path,
		mode:             mode,
		rewriteThreshold: rewriteThresholdBytes,
		logger:           logger,
		pool:             pool,
		file:             f,
		writer:           bufio.NewWriter(f),
		nextSeq:          1, // 0 is reserved for "nothing written/durable yet"
		lastFsync:        time.Now(),
		queue:            make(chan queuedRecord, queueCapacity),
	}
	w.cond = sync.NewCond(&w.mu)
	w.wg.Add(1)
	go w.runWriter()
	return w, nil
}

// NextSeq returns the sequence number that would be assigned to the
// next appended record, without consuming it.
func (w *WAL) NextSeq() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.nextSeq
}

// Append assigns a monotonic sequence number to frame and enqueues it
// for the writer goroutine. If a rewrite is in progress, frame is also
// buffered into the incremental tail so it survives the file swap.
// Ordering across callers is the caller's responsibility: the spec's
// "WAL observes the same mutation order as the engine" guarantee holds
// because the reactor serializes mutating-command dispatch with its own
// exclusion before calling Append.
func (w *WAL) Append(frame []byte) (uint64, error) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return 0, errs.New(errs.IoFailure, "wal: append after close")
	}
	seq := w.nextSeq
	w.nextSeq++
	w.mu.Unlock()

	if w.rewriting.Load() {
		w.incMu.Lock()
		w.incremental = append(w.incremental, append([]byte(nil), frame...))
		w.incMu.Unlock()
	}

	w.queue <- queuedRecord{seq: seq, data: frame}
	return seq, nil
}

// WaitDurable blocks until seq has been made durable per the configured
// fsync policy (or returns an error if the WAL has been closed first).
// Callers only need this in ModeAlways, where a client's mutation
// response must not be emitted before its frame is fsynced.
func (w *WAL) WaitDurable(seq uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	for w.durableSeq < seq && !w.closed {
		w.cond.Wait()
	}
	if w.closed && w.durableSeq < seq {
		return errs.New(errs.IoFailure, "wal: closed before durability reached")
	}
	return nil
}

// MaybeFsync fsyncs if the every-second policy is due (interval elapsed
// or pending bytes exceed the rewrite threshold, reused here as a fsync
// trigger too). Called from the reactor's periodic tick. A no-op
// outside ModeEverySecond.
func (w *WAL) MaybeFsync() {
	if w.mode != ModeEverySecond {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.lastWritten == w.durableSeq {
		return
	}
	if time.Since(w.lastFsync) >= everySecondInterval || w.pendingBytes >= w.rewriteThreshold {
		w.fsyncLocked()
	}
}

// fsyncLocked must be called with mu held.
func (w *WAL) fsyncLocked() {
	if err := w.writer.Flush(); err != nil {
		w.logger.Error("wal: flush failed", zap.Error(err))
		return
	}
	if err := w.file.Sync(); err != nil {
		w.logger.Error("wal: fsync failed", zap.Error(err))
		return
	}
	w.durableSeq = w.lastWritten
	w.pendingBytes = 0
	w.lastFsync = time.Now()
	w.cond.Broadcast()
}

// runWriter drains the queue, writes each record, and applies the
// fsync policy. It is the only goroutine that touches w.file/w.writer
// for writing. A pause record (injected by Rewrite) and a stop record
// (injected by Close) travel through the same channel so they are
// serviced in submission order even when the queue is otherwise idle.
func (w *WAL) runWriter() {
	defer w.wg.Done()
	for {
		rec := <-w.queue

		if rec.isStop {
			return
		}

		if rec.isPause {
			w.mu.Lock()
			w.paused = true
			w.cond.Broadcast()
			for w.pauseRequested {
				w.cond.Wait()
			}
			w.paused = false
			w.mu.Unlock()
			continue
		}

		w.mu.Lock()
		if _, err := w.writer.Write(rec.data); err != nil {
			w.logger.Error("wal: write failed", zap.Error(err))
			w.mu.Unlock()
			continue
		}
		w.pendingBytes += int64(len(rec.data))
		w.lastWritten = rec.seq

		switch w.mode {
		case ModeAlways:
			w.fsyncLocked()
		case ModeNoFsync:
			if err := w.writer.Flush(); err != nil {
				w.logger.Error("wal: flush failed", zap.Error(err))
			}
			w.durableSeq = rec.seq
			w.cond.Broadcast()
		case ModeEverySecond:
			if err := w.writer.Flush(); err != nil {
				w.logger.Error("wal: flush failed", zap.Error(err))
			}
			if time.Since(w.lastFsync) >= everySecondInterval || w.pendingBytes >= w.rewriteThreshold {
				w.fsyncLocked()
			}
		}
		w.mu.Unlock()
	}
}

// Close stops the writer after it has drained the records queued before
// it, then flushes and fsyncs a final time.
func (w *WAL) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.mu.Unlock()

	w.queue <- queuedRecord{isStop: true}
	w.wg.Wait()

	w.mu.Lock()
	w.fsyncLocked()
	err := w.file.Close()
	w.cond.Broadcast()
	w.mu.Unlock()

	w.pool.Release()
	if err != nil {
		return errs.Wrap(errs.IoFailure, "wal: close", err)
	}
	return nil
}

// Load reads the log from the start and calls apply for every array
// frame it contains, exactly as if a client had sent it. Loading never
// appends to the log.
func Load(path string, apply func(args []protocol.Value) error) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errs.Wrap(errs.IoFailure, "wal: read", err)
	}

	parser := protocol.NewParser()
	parser.Append(data)
	for {
		v, ok, err := parser.TryParseOne()
		if err != nil {
			return errs.Wrap(errs.ProtocolMalformed, "wal: corrupt record", err)
		}
		if !ok {
			return nil
		}
		if v.Type != protocol.TypeArray {
			continue
		}
		if err := apply(v.Array); err != nil {
			return err
		}
	}
}

// RewriteBaseWriter is satisfied by a caller-supplied function that
// writes the minimal command sequence reconstructing the current
// engine state into w.
type RewriteBaseWriter func(w *bufio.Writer) error

// Rewrite compacts the log: writeBase serializes a snapshot of engine
// state as the minimal command sequence reconstructing it, written to a
// fresh file; mutations accepted while writeBase runs are buffered in
// memory and flushed into the new file before it is swapped in. At most
// one rewrite runs at a time; a concurrent request is a no-op.
func (w *WAL) Rewrite(writeBase RewriteBaseWriter) error {
	if !w.rewriting.CompareAndSwap(false, true) {
		w.logger.Debug("wal: rewrite already in progress, skipping")
		return nil
	}
	if err := w.pool.Submit(func() {
		if err := w.doRewrite(writeBase); err != nil {
			w.logger.Error("wal: rewrite failed", zap.Error(err))
		}
	}); err != nil {
		w.rewriting.Store(false)
		return errs.Wrap(errs.IoFailure, "wal: rewrite: submit", err)
	}
	return nil
}

func (w *WAL) doRewrite(writeBase RewriteBaseWriter) error {
	defer w.rewriting.Store(false)

	tmpPath := w.path + ".rewrite.tmp"
	tmp, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return errs.Wrap(errs.IoFailure, "wal: rewrite: open tmp", err)
	}
	bw := bufio.NewWriter(tmp)
	if err := writeBase(bw); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return errs.Wrap(errs.IoFailure, "wal: rewrite: write base", err)
	}

	if err := w.requestPause(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	defer w.resumeWriter()

	w.incMu.Lock()
	tail := w.incremental
	w.incremental = nil
	w.incMu.Unlock()
	for _, frame := range tail {
		if _, err := bw.Write(frame); err != nil {
			tmp.Close()
			os.Remove(tmpPath)
			return errs.Wrap(errs.IoFailure, "wal: rewrite: write incremental tail", err)
		}
	}
	if err := bw.Flush(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return errs.Wrap(errs.IoFailure, "wal: rewrite: flush", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return errs.Wrap(errs.IoFailure, "wal: rewrite: fsync", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return errs.Wrap(errs.IoFailure, "wal: rewrite: close tmp", err)
	}

	w.mu.Lock()
	if err := w.writer.Flush(); err != nil {
		w.mu.Unlock()
		os.Remove(tmpPath)
		return errs.Wrap(errs.IoFailure, "wal: rewrite: flush old", err)
	}
	if err := os.Rename(tmpPath, w.path); err != nil {
		w.mu.Unlock()
		return errs.Wrap(errs.IoFailure, "wal: rewrite: rename", err)
	}
	w.file.Close()
	newFile, err := os.OpenFile(w.path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o644)
	if err != nil {
		w.mu.Unlock()
		return errs.Wrap(errs.IoFailure, "wal: rewrite: reopen", err)
	}
	w.file = newFile
	w.writer = bufio.NewWriter(newFile)
	w.pendingBytes = 0
	w.mu.Unlock()

	w.logger.Info("wal: rewrite complete", zap.String("path", w.path))
	return nil
}

// requestPause injects a pause record into the write queue (so it is
// serviced in submission order even if the queue is idle otherwise)
// and blocks until the writer confirms it has paused.
func (w *WAL) requestPause() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return errs.New(errs.IoFailure, "wal: closed during rewrite")
	}
	w.pauseRequested = true
	w.mu.Unlock()

	w.queue <- queuedRecord{isPause: true}

	w.mu.Lock()
	for !w.paused {
		w.cond.Wait()
	}
	w.mu.Unlock()
	return nil
}

// resumeWriter releases the writer from its paused wait.
func (w *WAL) resumeWriter() {
	w.mu.Lock()
	w.pauseRequested = false
	w.cond.Broadcast()
	w.mu.Unlock()
}
