package wal

import (
	"bufio"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinyredis/tinyredis/internal/protocol"
)

func frame(parts ...string) []byte { return protocol.Encode(parts...) }

func TestWAL_AppendAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.aof")
	w, err := Open(path, ModeNoFsync, 1<<20, nil)
	require.NoError(t, err)

	_, err = w.Append(frame("SET", "a", "1"))
	require.NoError(t, err)
	_, err = w.Append(frame("SET", "b", "2"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	var replayed [][]string
	err = Load(path, func(args []protocol.Value) error {
		s := make([]string, len(args))
		for i, a := range args {
			s[i] = a.Str
		}
		replayed = append(replayed, s)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"SET", "a", "1"}, replayed[0])
	assert.Equal(t, []string{"SET", "b", "2"}, replayed[1])
}

func TestWAL_LoadMissingFileIsNoop(t *testing.T) {
	err := Load(filepath.Join(t.TempDir(), "missing.aof"), func(args []protocol.Value) error {
		t.Fatal("apply should not be called")
		return nil
	})
	require.NoError(t, err)
}

func TestWAL_WaitDurableModeAlways(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.aof")
	w, err := Open(path, ModeAlways, 1<<20, nil)
	require.NoError(t, err)
	defer w.Close()

	seq, err := w.Append(frame("SET", "a", "1"))
	require.NoError(t, err)
	require.NoError(t, w.WaitDurable(seq))
}

func TestWAL_AppendAfterCloseFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.aof")
	w, err := Open(path, ModeNoFsync, 1<<20, nil)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	_, err = w.Append(frame("SET", "a", "1"))
	require.Error(t, err)
}

func TestWAL_RewriteCompactsAndPreservesState(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.aof")
	w, err := Open(path, ModeNoFsync, 1<<20, nil)
	require.NoError(t, err)
	defer w.Close()

	_, err = w.Append(frame("SET", "a", "1"))
	require.NoError(t, err)
	_, err = w.Append(frame("SET", "a", "2"))
	require.NoError(t, err)

	err = w.Rewrite(func(bw *bufio.Writer) error {
		_, werr := bw.Write(frame("SET", "a", "2"))
		return werr
	})
	require.NoError(t, err)

	// Rewrite runs in the background pool; append another record and
	// confirm the log still replays to a consistent final value once
	// everything settles.
	_, err = w.Append(frame("SET", "b", "3"))
	require.NoError(t, err)

	require.NoError(t, w.Close())

	var last string
	err = Load(path, func(args []protocol.Value) error {
		if len(args) >= 3 && args[0].Str == "SET" && args[1].Str == "a" {
			last = args[2].Str
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "2", last)
}
