// Package permission decides whether an agent's tool calls may run.
//
// Decide is the gate: a pure classification of a call into allow, deny or
// ask, from the tool name, the session's permission mode and its optional
// allow-list. Calls classified as ask go to a Broker, which parks them as
// pending requests until a human responds, the request times out, or the
// run is aborted:
//
//	b := permission.NewBroker(sessionID, emit)
//	ticket := b.Request(permission.Call{ToolName: "Bash", Input: input})
//	// elsewhere: b.Resolve(ticket.ID, permission.Allow())
//	d := ticket.Wait(ctx)
//
// Each request resolves exactly once. The first of response, timeout and
// abort wins and later attempts are no-ops.
package permission
