/*
Package event provides the lifecycle event bus of the session bridge.

The bridge core publishes coarse lifecycle events (a session was created,
an agent attached, history grew) so that collaborators such as the
persister can react without the core knowing about them. Observer traffic
itself never goes through the bus; it is delivered by the session actor.

# Event Types

Session Events:
  - session.created: a session was created in the registry
  - session.removed: a session was torn down

Agent Events:
  - agent.connected: an agent socket attached
  - agent.disconnected: the agent socket detached
  - agent.session_reported: the agent reported its resumable session id

History Events:
  - history.appended: a durable entry was appended to a session's history
  - history.loaded: a session's history was replaced from storage

Permission Events:
  - permission.requested: an authorization request is waiting for an observer
  - permission.resolved: an observer answered a request

# Usage

	bus := event.NewBus()
	defer bus.Close()

	unsubscribe := bus.Subscribe(event.SessionCreated, func(e event.Event) {
		data := e.Data.(event.SessionData)
		logging.Info().Str("sessionID", data.SessionID).Msg("created")
	})
	defer unsubscribe()

	bus.Publish(event.Event{Type: event.SessionCreated, Data: event.SessionData{SessionID: id}})

Subscribers registered with Subscribe or SubscribeAll receive the typed
Event. Publish calls each subscriber in its own goroutine; PublishSync
calls them in the publisher's goroutine, so they must not block and must
not publish re-entrantly.

# Watermill Stream

Every event is also mirrored as JSON onto the watermill gochannel topic
Topic. Stream returns the message channel for consumers that prefer
pull-style processing with explicit acknowledgement:

	messages, err := bus.Stream(ctx)
	for msg := range messages {
		env, err := event.DecodeEnvelope(msg.Payload)
		...
		msg.Ack()
	}
*/
package event
