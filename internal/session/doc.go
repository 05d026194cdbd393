// Package session runs agent turns for sessions and tracks their lifecycle.
//
// # Architecture Overview
//
//   - Runner: drives one engine turn, gating every tool call through the
//     permission package and forwarding engine events to the bus
//   - Run: handle on an in-flight turn (abort, pending approvals, status)
//   - Registry: at most one live Run per session
//   - Store: persisted session records, fed by the session-update side channel
//   - Service: the API used by the HTTP server and the headless runner
//
// # Usage
//
//	svc, err := session.NewService(store, bus, updates, eng, session.Config{Mode: types.ModeSecure})
//	sess, err := svc.Create(ctx, session.CreateInput{Directory: "/path/to/project"})
//	run, err := svc.Prompt(ctx, sess.ID, "Refactor the parser")
//
//	// Later, when the UI answers a permission.request event:
//	svc.Respond(sess.ID, requestID, permission.Allow())
//
// # Status
//
// A session is idle until its first turn. Each turn moves it to running and
// ends in completed, error, or idle when the turn was aborted. Status and
// resume-token changes are published as types.SessionUpdate values on
// event.Updates and written by Store.Consume; they are never written by the
// run goroutine directly.
package session
