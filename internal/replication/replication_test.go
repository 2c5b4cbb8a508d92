package replication

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tinyredis/tinyredis/internal/engine"
	"github.com/tinyredis/tinyredis/internal/protocol"
)

// fakePrimary accepts one connection, discards the SYNC/PSYNC request,
// sends a bulk-string snapshot bootstrap, then streams the given frames.
func fakePrimary(t *testing.T, snapshot []byte, frames [][]byte) (port int) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		buf := make([]byte, 4096)
		conn.Read(buf) // discard the SYNC/PSYNC request

		writer := protocol.NewWriter(conn)
		writer.WriteBulkString(snapshot)
		for _, f := range frames {
			writer.WriteRaw(f)
		}
		time.Sleep(150 * time.Millisecond)
	}()

	return ln.Addr().(*net.TCPAddr).Port
}

func TestClient_BootstrapsFromSnapshotThenAppliesStream(t *testing.T) {
	srcEngine := engine.New(nil)
	srcEngine.Set("a", []byte("1"), -1)

	snapPath := filepath.Join(t.TempDir(), "bootstrap.mrdb")
	require.NoError(t, srcEngine.SaveSnapshot(snapPath))
	snapshotBytes, err := os.ReadFile(snapPath)
	require.NoError(t, err)

	setFrame := protocol.Encode("SET", "b", "2")
	offsetFrame := []byte(fmt.Sprintf("+OFFSET %d\r\n", 42))

	port := fakePrimary(t, snapshotBytes, [][]byte{setFrame, offsetFrame})

	e := engine.New(nil)
	client := New(Config{
		MasterHost:   "127.0.0.1",
		MasterPort:   port,
		SnapshotPath: filepath.Join(t.TempDir(), "replica.mrdb"),
	}, e, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cancel()
	client.Run(ctx)

	val, ok := e.Get("a")
	require.True(t, ok)
	require.Equal(t, []byte("1"), val)

	val, ok = e.Get("b")
	require.True(t, ok)
	require.Equal(t, []byte("2"), val)

	require.Equal(t, int64(42), client.LastOffset())
}
