/*
Package event provides the StreamEvent vocabulary that the session core
exposes to its callers, and the plumbing that carries it.

# Event Types

Session stream events:
  - stream.message: an engine event, passed through unmodified
  - permission.request: a tool call is waiting for a human decision
  - permission.resolved: a pending request was resolved (response, timeout or abort)
  - status: a session entered running, completed, error or idle

Session lifecycle events:
  - session.created
  - session.deleted

# Bus

Bus delivers events to in-process subscribers. The session runner publishes
with PublishSync so that subscribers observe one session's events in the
order the engine produced them:

	bus := event.NewBus()
	unsubscribe := bus.SubscribeAll(func(e event.Event) {
		if e.SessionID() == sessionID {
			// render
		}
	})
	defer unsubscribe()

# Subscriber Safety Guidelines

PublishSync calls subscribers in the publisher's goroutine, which for
session events is the goroutine driving the agent stream. Subscribers must
return quickly, use non-blocking channel sends, and never publish from
inside a subscriber.

# Session Updates

Updates is a separate side channel for status and resume-token changes,
built on watermill's gochannel. The persistence layer consumes it:

	updates := event.NewUpdates()
	done, err := updates.Consume(ctx, store.Apply)
*/
package event
