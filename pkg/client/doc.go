// Package client is the Go SDK for eventlogd, the tamper-evident event log
// server.
//
// Read routes need no credentials:
//
//	c := client.MustNew("http://localhost:8080")
//	res, err := c.Verify(ctx, client.VerifySnapshot)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if !res.Valid {
//	    log.Printf("chain broken at %d: %s", *res.FirstInvalidIndex, res.Reason)
//	}
//
// # Appending and auditing
//
// Appends, exports, replays and backups need an operator token carrying the
// matching scope. Either pass one obtained out of band:
//
//	c, err := client.New(base, client.WithBearerToken(token))
//
// or let the client exchange the admin secret and refresh the token itself:
//
//	c, err := client.New(base,
//	    client.WithAdminSecret(os.Getenv("EVENTLOG_ADMIN_SECRET"), "ci-pipeline",
//	        "eventlog:append", "eventlog:audit"),
//	)
//	entry, err := c.Append(ctx, client.AppendRequest{
//	    Actor:      "system",
//	    EventKind:  "decision.recorded",
//	    EntityKind: "decision",
//	    EntityID:   "d-42",
//	    Payload:    map[string]any{"verdict": "approve"},
//	})
//
// Errors are *APIError for non-2xx responses, or wrap ErrNotFound for 404s.
package client
