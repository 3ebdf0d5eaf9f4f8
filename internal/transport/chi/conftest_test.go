package chi

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	gochi "github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/kailas-cloud/tokenguard/internal/broadcast"
	"github.com/kailas-cloud/tokenguard/internal/db/sqlite"
	budgetrepo "github.com/kailas-cloud/tokenguard/internal/repository/budget"
	"github.com/kailas-cloud/tokenguard/internal/repository/guest"
	"github.com/kailas-cloud/tokenguard/internal/repository/settings"
	healthuc "github.com/kailas-cloud/tokenguard/internal/usecase/health"
	tokensuc "github.com/kailas-cloud/tokenguard/internal/usecase/tokens"
)

type mockPinger struct{ err error }

func (m mockPinger) Ping(context.Context) error { return m.err }

var errDown = errors.New("down")

type fixture struct {
	members *budgetrepo.SQLStore
	flags   *settings.SQLStore
	hub     *broadcast.Hub
	server  *Server
	router  http.Handler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	sqlDB, err := sqlite.Open(context.Background(), filepath.Join(t.TempDir(), "tokenguard.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = sqlDB.Close() })

	logger := zap.NewNop()
	members := budgetrepo.NewSQLStore(sqlDB)
	flags := settings.NewSQLStore(sqlDB)
	resolver := settings.New(flags, logger)
	adapter := budgetrepo.NewAdapter(members, guest.NewMemory(), resolver, logger)
	hub := broadcast.NewHub()

	srv := NewServer(
		tokensuc.New(adapter, resolver, logger),
		healthuc.New(mockPinger{}, nil),
		hub,
		logger,
	)
	r := gochi.NewRouter()
	srv.Routes(r)

	return &fixture{members: members, flags: flags, hub: hub, server: srv, router: r}
}

func (f *fixture) do(t *testing.T, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}
