package server

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tinyredis/tinyredis/internal/engine"
	"github.com/tinyredis/tinyredis/internal/protocol"
)

func startServer(t *testing.T, cfg Config) (addr string) {
	t.Helper()
	e := engine.New(nil)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	cfg.Addr = ln.Addr().String()
	ln.Close()

	srv := New(cfg, e, nil)
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = srv.Run(ctx) }()
	t.Cleanup(cancel)

	// Give the listener a moment to come up.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		conn, err := net.Dial("tcp", cfg.Addr)
		if err == nil {
			conn.Close()
			return cfg.Addr
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("server never came up on %s", cfg.Addr)
	return ""
}

func sendAndRead(t *testing.T, addr string, frame []byte) protocol.Value {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Write(frame)
	require.NoError(t, err)

	buf := make([]byte, 4096)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := conn.Read(buf)
	require.NoError(t, err)

	parser := protocol.NewParser()
	parser.Append(buf[:n])
	val, ok, err := parser.TryParseOne()
	require.NoError(t, err)
	require.True(t, ok)
	return val
}

func TestServer_SetGetRoundTrip(t *testing.T) {
	addr := startServer(t, Config{IsPrimary: true})

	reply := sendAndRead(t, addr, protocol.Encode("SET", "a", "1"))
	require.Equal(t, protocol.TypeSimpleString, reply.Type)
	require.Equal(t, "OK", reply.Str)

	reply = sendAndRead(t, addr, protocol.Encode("GET", "a"))
	require.Equal(t, protocol.TypeBulkString, reply.Type)
	require.Equal(t, "1", reply.Str)
}

func TestServer_UnknownCommandReturnsError(t *testing.T) {
	addr := startServer(t, Config{IsPrimary: true})
	reply := sendAndRead(t, addr, protocol.Encode("BOGUS"))
	require.Equal(t, protocol.TypeError, reply.Type)
}

func TestServer_PingPong(t *testing.T) {
	addr := startServer(t, Config{IsPrimary: true})
	reply := sendAndRead(t, addr, protocol.Encode("PING"))
	require.Equal(t, "PONG", reply.Str)
}

func TestServer_ReplicaRejectsSync(t *testing.T) {
	addr := startServer(t, Config{IsPrimary: false})
	reply := sendAndRead(t, addr, protocol.Encode("SYNC"))
	require.Equal(t, protocol.TypeError, reply.Type)
}
