// Package command maps a parsed protocol frame to an engine call and a
// reply. It is the single place that understands the wire command
// surface (§6 of the spec this implements), so the server, the WAL
// loader, and the replication client all dispatch through the same
// Apply function instead of duplicating argument parsing three times.
package command

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/tinyredis/tinyredis/internal/engine"
	"github.com/tinyredis/tinyredis/internal/errs"
	"github.com/tinyredis/tinyredis/internal/protocol"
)

func nowMsFn() int64 { return time.Now().UnixMilli() }

// ReplyKind tags the shape of a Result so the caller knows how to
// encode it without re-inspecting the command name.
type ReplyKind int

const (
	ReplySimpleString ReplyKind = iota
	ReplyInteger
	ReplyBulkString
	ReplyNullBulk
	ReplyStringArray
	ReplyError
)

// Result is a command's reply, kept decoupled from the wire encoder so
// WAL replay and replication application can call Apply without
// holding a live connection to write to.
type Result struct {
	Kind  ReplyKind
	Str   string
	Int   int64
	Bulk  []byte
	Array []string
}

// Mutating names every command whose effect persists beyond the
// connection that issued it: these are the commands forwarded to the
// WAL and, on a primary, broadcast to replicas.
var Mutating = map[string]bool{
	"SET":    true,
	"DEL":    true,
	"EXPIRE": true,
	"HSET":   true,
	"HDEL":   true,
	"ZADD":   true,
	"ZREM":   true,
}

// IsMutating reports whether name (already upper-cased) mutates engine state.
func IsMutating(name string) bool { return Mutating[name] }

// Apply dispatches one command against e and returns its reply. args
// excludes the command name itself. name must already be upper-cased;
// callers that receive raw wire frames should upper-case Array[0].Str
// before calling.
func Apply(e *engine.Engine, name string, args []protocol.Value) (Result, error) {
	switch name {
	case "PING":
		return cmdPing(args)
	case "ECHO":
		return cmdEcho(args)
	case "INFO":
		return cmdInfo(e, args)

	case "SET":
		return cmdSet(e, args)
	case "GET":
		return cmdGet(e, args)
	case "DEL":
		return cmdDel(e, args)
	case "EXISTS":
		return cmdExists(e, args)
	case "EXPIRE":
		return cmdExpire(e, args)
	case "TTL":
		return cmdTTL(e, args)
	case "KEYS":
		return cmdKeys(e, args)

	case "HSET":
		return cmdHSet(e, args)
	case "HGET":
		return cmdHGet(e, args)
	case "HDEL":
		return cmdHDel(e, args)
	case "HEXISTS":
		return cmdHExists(e, args)
	case "HGETALL":
		return cmdHGetAll(e, args)
	case "HLEN":
		return cmdHLen(e, args)

	case "ZADD":
		return cmdZAdd(e, args)
	case "ZREM":
		return cmdZRem(e, args)
	case "ZRANGE":
		return cmdZRange(e, args)
	case "ZSCORE":
		return cmdZScore(e, args)

	default:
		return Result{}, errs.New(errs.UnknownCommand, fmt.Sprintf("unknown command '%s'", name))
	}
}

func arity(args []protocol.Value, min int, name string) error {
	if len(args) < min {
		return errs.New(errs.WrongArity, fmt.Sprintf("wrong number of arguments for '%s' command", strings.ToLower(name)))
	}
	return nil
}

func str(v protocol.Value) string { return v.Str }

func strs(args []protocol.Value) []string {
	out := make([]string, len(args))
	for i, a := range args {
		out[i] = a.Str
	}
	return out
}

func ok() Result { return Result{Kind: ReplySimpleString, Str: "OK"} }

func integer(n int64) Result { return Result{Kind: ReplyInteger, Int: n} }

func bulk(b []byte) Result { return Result{Kind: ReplyBulkString, Bulk: b} }

func nullBulk() Result { return Result{Kind: ReplyNullBulk} }

func strArray(items []string) Result { return Result{Kind: ReplyStringArray, Array: items} }

// --- connection/server ambient commands ---

func cmdPing(args []protocol.Value) (Result, error) {
	if len(args) == 0 {
		return Result{Kind: ReplySimpleString, Str: "PONG"}, nil
	}
	return bulk([]byte(str(args[0]))), nil
}

func cmdEcho(args []protocol.Value) (Result, error) {
	if err := arity(args, 1, "ECHO"); err != nil {
		return Result{}, err
	}
	return bulk([]byte(str(args[0]))), nil
}

func cmdInfo(e *engine.Engine, args []protocol.Value) (Result, error) {
	info := fmt.Sprintf("# Keyspace\r\nkeys:%d\r\n", len(e.Keys()))
	return bulk([]byte(info)), nil
}

// --- scalar family ---

func cmdSet(e *engine.Engine, args []protocol.Value) (Result, error) {
	if err := arity(args, 2, "SET"); err != nil {
		return Result{}, err
	}
	key, value := str(args[0]), []byte(str(args[1]))
	expireAtMs := int64(-1)
	now := nowMsFn()

	for i := 2; i < len(args); i++ {
		opt := strings.ToUpper(str(args[i]))
		switch opt {
		case "EX", "PX":
			if i+1 >= len(args) {
				return Result{}, errs.New(errs.WrongArity, "SET "+opt+" requires a value")
			}
			n, err := strconv.ParseInt(str(args[i+1]), 10, 64)
			if err != nil {
				return Result{}, errs.Wrap(errs.ParseNumber, "invalid expire time in SET", err)
			}
			if opt == "EX" {
				expireAtMs = now + n*1000
			} else {
				expireAtMs = now + n
			}
			i++
		default:
			return Result{}, errs.New(errs.ProtocolMalformed, "syntax error")
		}
	}

	e.Set(key, value, expireAtMs)
	return ok(), nil
}

func cmdGet(e *engine.Engine, args []protocol.Value) (Result, error) {
	if err := arity(args, 1, "GET"); err != nil {
		return Result{}, err
	}
	val, found := e.Get(str(args[0]))
	if !found {
		return nullBulk(), nil
	}
	return bulk(val), nil
}

func cmdDel(e *engine.Engine, args []protocol.Value) (Result, error) {
	if err := arity(args, 1, "DEL"); err != nil {
		return Result{}, err
	}
	return integer(int64(e.Del(strs(args)))), nil
}

func cmdExists(e *engine.Engine, args []protocol.Value) (Result, error) {
	if err := arity(args, 1, "EXISTS"); err != nil {
		return Result{}, err
	}
	if e.Exists(str(args[0])) {
		return integer(1), nil
	}
	return integer(0), nil
}

func cmdExpire(e *engine.Engine, args []protocol.Value) (Result, error) {
	if err := arity(args, 2, "EXPIRE"); err != nil {
		return Result{}, err
	}
	seconds, err := strconv.ParseInt(str(args[1]), 10, 64)
	if err != nil {
		return Result{}, errs.Wrap(errs.ParseNumber, "invalid expire seconds", err)
	}
	if e.Expire(str(args[0]), seconds) {
		return integer(1), nil
	}
	return integer(0), nil
}

func cmdTTL(e *engine.Engine, args []protocol.Value) (Result, error) {
	if err := arity(args, 1, "TTL"); err != nil {
		return Result{}, err
	}
	return integer(e.TTL(str(args[0]))), nil
}

func cmdKeys(e *engine.Engine, args []protocol.Value) (Result, error) {
	if err := arity(args, 1, "KEYS"); err != nil {
		return Result{}, err
	}
	pattern := str(args[0])
	keys := e.Keys()
	if pattern == "*" {
		return strArray(keys), nil
	}
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if k == pattern {
			out = append(out, k)
		}
	}
	return strArray(out), nil
}

// --- field map family ---

func cmdHSet(e *engine.Engine, args []protocol.Value) (Result, error) {
	if err := arity(args, 3, "HSET"); err != nil {
		return Result{}, err
	}
	if e.HSet(str(args[0]), str(args[1]), []byte(str(args[2]))) {
		return integer(1), nil
	}
	return integer(0), nil
}

func cmdHGet(e *engine.Engine, args []protocol.Value) (Result, error) {
	if err := arity(args, 2, "HGET"); err != nil {
		return Result{}, err
	}
	val, found, err := e.HGet(str(args[0]), str(args[1]))
	if err != nil {
		return Result{}, err
	}
	if !found {
		return nullBulk(), nil
	}
	return bulk(val), nil
}

func cmdHDel(e *engine.Engine, args []protocol.Value) (Result, error) {
	if err := arity(args, 2, "HDEL"); err != nil {
		return Result{}, err
	}
	return integer(int64(e.HDel(str(args[0]), strs(args[1:])))), nil
}

func cmdHExists(e *engine.Engine, args []protocol.Value) (Result, error) {
	if err := arity(args, 2, "HEXISTS"); err != nil {
		return Result{}, err
	}
	if e.HExists(str(args[0]), str(args[1])) {
		return integer(1), nil
	}
	return integer(0), nil
}

func cmdHGetAll(e *engine.Engine, args []protocol.Value) (Result, error) {
	if err := arity(args, 1, "HGETALL"); err != nil {
		return Result{}, err
	}
	pairs := e.HGetAll(str(args[0]))
	out := make([]string, 0, len(pairs)*2)
	for _, p := range pairs {
		out = append(out, p.Field, string(p.Value))
	}
	return strArray(out), nil
}

func cmdHLen(e *engine.Engine, args []protocol.Value) (Result, error) {
	if err := arity(args, 1, "HLEN"); err != nil {
		return Result{}, err
	}
	return integer(int64(e.HLen(str(args[0])))), nil
}

// --- ordered set family ---

func cmdZAdd(e *engine.Engine, args []protocol.Value) (Result, error) {
	if err := arity(args, 3, "ZADD"); err != nil {
		return Result{}, err
	}
	score, err := strconv.ParseFloat(str(args[1]), 64)
	if err != nil {
		return Result{}, errs.Wrap(errs.ParseNumber, "invalid score in ZADD", err)
	}
	return integer(int64(e.ZAdd(str(args[0]), score, str(args[2])))), nil
}

func cmdZRem(e *engine.Engine, args []protocol.Value) (Result, error) {
	if err := arity(args, 2, "ZREM"); err != nil {
		return Result{}, err
	}
	return integer(int64(e.ZRem(str(args[0]), strs(args[1:])))), nil
}

func cmdZRange(e *engine.Engine, args []protocol.Value) (Result, error) {
	if err := arity(args, 3, "ZRANGE"); err != nil {
		return Result{}, err
	}
	start, err := strconv.ParseInt(str(args[1]), 10, 64)
	if err != nil {
		return Result{}, errs.Wrap(errs.ParseNumber, "invalid start rank in ZRANGE", err)
	}
	stop, err := strconv.ParseInt(str(args[2]), 10, 64)
	if err != nil {
		return Result{}, errs.Wrap(errs.ParseNumber, "invalid stop rank in ZRANGE", err)
	}
	return strArray(e.ZRange(str(args[0]), start, stop)), nil
}

func cmdZScore(e *engine.Engine, args []protocol.Value) (Result, error) {
	if err := arity(args, 2, "ZSCORE"); err != nil {
		return Result{}, err
	}
	score, found, err := e.ZScore(str(args[0]), str(args[1]))
	if err != nil {
		return Result{}, err
	}
	if !found {
		return nullBulk(), nil
	}
	return bulk([]byte(strconv.FormatFloat(score, 'g', -1, 64))), nil
}

// WriteResult encodes r onto w using the matching wire frame.
func WriteResult(w *protocol.Writer, r Result) error {
	switch r.Kind {
	case ReplySimpleString:
		return w.WriteSimpleString(r.Str)
	case ReplyInteger:
		return w.WriteInteger(r.Int)
	case ReplyBulkString:
		return w.WriteBulkString(r.Bulk)
	case ReplyNullBulk:
		return w.WriteNull()
	case ReplyStringArray:
		return w.WriteStringArray(r.Array)
	case ReplyError:
		return w.WriteError(r.Str)
	default:
		return w.WriteError("internal error: unknown reply kind")
	}
}
