package redis

import (
	"context"
	"fmt"

	"github.com/redis/rueidis"

	"github.com/kailas-cloud/tokenguard/internal/db"
)

// EvalInts runs a Lua script that returns an array of integers.
// EVALSHA is tried first; rueidis falls back to EVAL when the script is not loaded.
func (s *Store) EvalInts(ctx context.Context, script *db.Script, keys, args []string) ([]int64, error) {
	res, err := s.lua(script).Exec(ctx, s.client, keys, args).AsIntSlice()
	if err != nil {
		return nil, &db.Error{Op: db.OpEval, Err: fmt.Errorf("script %s: %w", script.Name, err)}
	}
	return res, nil
}

func (s *Store) lua(script *db.Script) *rueidis.Lua {
	if l, ok := s.scripts.Load(script); ok {
		return l.(*rueidis.Lua)
	}
	l, _ := s.scripts.LoadOrStore(script, rueidis.NewLuaScript(script.Source))
	return l.(*rueidis.Lua)
}
