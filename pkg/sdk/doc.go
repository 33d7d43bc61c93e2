// Package sdk embeds the coverage agent into an instrumented Go program.
//
// Instrumented code registers each class once and asks for its probe array
// on every entry. Probe hits land in the test context carried by the
// context.Context, or in the ambient context when there is none:
//
//	agent, err := sdk.New(sdk.Config{ConfigPath: "coverage-agent.yaml"})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer agent.Close()
//
//	cart, _ := agent.Instrument("shop/Cart", 12)
//
//	func (c *Cart) Add(ctx context.Context, item Item) {
//	    p := agent.Probes(ctx, cart)
//	    p.Set(0)
//	    ...
//	}
//
//	if err := agent.Start(context.Background()); err != nil {
//	    log.Fatal(err)
//	}
//	http.ListenAndServe(":8080", agent.Middleware(mux))
//
// Middleware reads the drill-session-id and drill-test-id headers set by the
// test runner and records every probe hit of the request into that test.
// Test runners that cannot set headers drive the same lifecycle through the
// control endpoint (see Handler).
package sdk
