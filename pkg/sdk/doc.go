// Package tokenguard embeds token budget accounting in a Go program without
// running the HTTP server.
//
// Members are debited atomically in Redis or SQLite; guests are tracked in
// local storage (memory or BadgerDB) and are never refused.
//
//	client, _ := tokenguard.New(ctx, tokenguard.WithSQLite("tokens.db"))
//	defer client.Close()
//
//	id := tokenguard.Member("user-42")
//	pf := client.Preflight(ctx, id, 0)
//	if !pf.Allowed {
//	    return errBudget
//	}
//	res, _ := client.UseTokens(ctx, id, tokenguard.Charge{
//	    ChatID: "chat-1", ModelID: "gpt-4o-mini",
//	    PromptTokens: 1200, CompletionTokens: 300,
//	})
//	fmt.Println(res.State.Remaining)
//
// # Sessions
//
// A Session keeps the state of one identity current for a long-lived view.
// Sessions of the same identity opened on one Client refresh each other after
// every successful debit.
//
//	s := client.NewSession(id)
//	defer s.Close()
//	stop := s.OnChange(func(st tokenguard.TokenState) { render(st) })
//	defer stop()
//	s.Load(ctx)
package tokenguard
