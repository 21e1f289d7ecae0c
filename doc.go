// Package chainhook delivers on-chain token events to subscribers as signed
// HTTP webhooks.
//
// A Hook polls the chain for contract events after a committed cursor,
// normalizes them into a fixed taxonomy (self burn, admin burn, token
// creation, metadata update), matches them against subscriptions and posts
// an HMAC-signed JSON body to every match. Each (subscription, event) pair
// runs through a bounded retry sequence under a per-subscription rate
// limit, and its outcome is written to a delivery ledger keyed by
// (transaction hash, event index).
//
// Delivery is at least once. The cursor only moves after every pair of a
// batch has a terminal outcome, and the ledger suppresses pairs that
// already have one, so a crash or shutdown mid-batch re-polls the same
// events without re-sending completed deliveries.
//
// Quick start:
//
//	h, err := chainhook.New(
//	    chainhook.WithStore(memory.New()),
//	    chainhook.WithSource(source.NewChain(rpc.NewClient(rpc.Config{URL: rpcURL}, nil), nil)),
//	    chainhook.WithStartLedger(1_200_000),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	sub, err := h.Subscriptions().Create(ctx, subscription.Input{
//	    URL:        "https://example.com/hooks/burns",
//	    EventTypes: []string{"token.burn.self", "token.burn.admin"},
//	    CreatedBy:  "GCREATOR...",
//	})
//
//	if err := h.Run(ctx); err != nil {
//	    log.Fatal(err)
//	}
package chainhook
