package db

import (
	"context"
	"time"
)

// Store is the main database facade combining all sub-interfaces.
type Store interface {
	Pinger
	HashStore
	KVStore
	Scripter
	PubSub
	Close()
	WaitForReady(ctx context.Context, timeout time.Duration) error
}

// Pinger checks database connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HashStore provides hash-based key-value operations.
type HashStore interface {
	HSet(ctx context.Context, key string, fields map[string]string) error
	HGetAll(ctx context.Context, key string) (map[string]string, error)
}

// KVStore provides simple key-value operations.
type KVStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
}

// Script is a server-side Lua script. The server executes it atomically:
// no other command observes its intermediate state.
type Script struct {
	Name   string
	Source string
}

// Scripter runs server-side scripts.
type Scripter interface {
	EvalInts(ctx context.Context, script *Script, keys, args []string) ([]int64, error)
}

// Message is a pub/sub delivery.
type Message struct {
	Channel string
	Payload string
}

// PubSub provides fire-and-forget channel messaging.
type PubSub interface {
	Publish(ctx context.Context, channel, payload string) error
	// PSubscribe blocks, delivering messages for channels matching pattern until ctx is done.
	PSubscribe(ctx context.Context, pattern string, fn func(Message)) error
}
