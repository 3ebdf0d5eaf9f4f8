package db

import "errors"

// Sentinel errors for database operations.
var (
	ErrKeyNotFound = errors.New("db: key not found")
)

// Op constants map to Valkey/Redis command names (or SQL statements) for error context.
const (
	OpHGetAll    = "HGETALL"
	OpHSet       = "HSET"
	OpGet        = "GET"
	OpSet        = "SET"
	OpEval       = "EVALSHA"
	OpPublish    = "PUBLISH"
	OpPSubscribe = "PSUBSCRIBE"
	OpQuery      = "QUERY"
	OpExec       = "EXEC"
	OpTx         = "TX"
)

// Error wraps an underlying error with the operation name for diagnostics.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string { return e.Op + ": " + e.Err.Error() }
func (e *Error) Unwrap() error { return e.Err }
