package command

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinyredis/tinyredis/internal/engine"
	"github.com/tinyredis/tinyredis/internal/protocol"
)

func vals(ss ...string) []protocol.Value {
	out := make([]protocol.Value, len(ss))
	for i, s := range ss {
		out[i] = protocol.Value{Type: protocol.TypeBulkString, Str: s}
	}
	return out
}

func TestApply_SetGet(t *testing.T) {
	e := engine.New(nil)
	res, err := Apply(e, "SET", vals("a", "1"))
	require.NoError(t, err)
	assert.Equal(t, "OK", res.Str)

	res, err = Apply(e, "GET", vals("a"))
	require.NoError(t, err)
	assert.Equal(t, ReplyBulkString, res.Kind)
	assert.Equal(t, []byte("1"), res.Bulk)
}

func TestApply_GetMissingReturnsNullBulk(t *testing.T) {
	e := engine.New(nil)
	res, err := Apply(e, "GET", vals("missing"))
	require.NoError(t, err)
	assert.Equal(t, ReplyNullBulk, res.Kind)
}

func TestApply_SetWithEXSetsExpiry(t *testing.T) {
	e := engine.New(nil)
	_, err := Apply(e, "SET", vals("a", "1", "EX", "100"))
	require.NoError(t, err)
	res, err := Apply(e, "TTL", vals("a"))
	require.NoError(t, err)
	assert.InDelta(t, 100, res.Int, 1)
}

func TestApply_WrongArityReturnsError(t *testing.T) {
	e := engine.New(nil)
	_, err := Apply(e, "SET", vals("a"))
	require.Error(t, err)
}

func TestApply_UnknownCommand(t *testing.T) {
	e := engine.New(nil)
	_, err := Apply(e, "BOGUS", nil)
	require.Error(t, err)
}

func TestApply_HashLifecycle(t *testing.T) {
	e := engine.New(nil)
	res, err := Apply(e, "HSET", vals("h", "f", "v"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Int)

	res, err = Apply(e, "HGET", vals("h", "f"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), res.Bulk)

	res, err = Apply(e, "HDEL", vals("h", "f"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Int)
}

func TestApply_ZSetLifecycle(t *testing.T) {
	e := engine.New(nil)
	_, err := Apply(e, "ZADD", vals("z", "1", "a"))
	require.NoError(t, err)
	_, err = Apply(e, "ZADD", vals("z", "2", "b"))
	require.NoError(t, err)

	res, err := Apply(e, "ZRANGE", vals("z", "0", "-1"))
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, res.Array)

	res, err = Apply(e, "ZSCORE", vals("z", "a"))
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), res.Bulk)
}

func TestApply_HGetTypeMismatchPropagates(t *testing.T) {
	e := engine.New(nil)
	_, err := Apply(e, "SET", vals("a", "1"))
	require.NoError(t, err)
	_, err = Apply(e, "HGET", vals("a", "f"))
	require.Error(t, err)
}

func TestIsMutating(t *testing.T) {
	assert.True(t, IsMutating("SET"))
	assert.True(t, IsMutating("HDEL"))
	assert.False(t, IsMutating("GET"))
	assert.False(t, IsMutating("PING"))
}
