/*
Package bridge implements the session bridge: it multiplexes one agent
connection against any number of observer connections per session.

# Sessions

A Session is owned by a single goroutine (an actor). Every public method
enqueues a closure on the session inbox and waits for it to run, so all
session state is mutated from one goroutine and frames are handled to
completion one at a time:

	reg := bridge.NewRegistry(bridge.Options{ReplayBufferSize: 600})
	sess := reg.GetOrCreate("abc")

	sess.AttachAgent(agentSocket)
	sess.HandleAgentData(agentSocket, line)

	sess.AttachObserver(tab)
	sess.HandleObserverData(tab, []byte(`{"type":"session_subscribe","last_seq":0}`))

Sockets are supplied by the transport layer through the Socket interface.
Send must not block; a failing Send prunes the observer from the session.

# Sequencing and Replay

Every replayable observer event receives the next sequence number of its
session and is kept in a bounded ring. A reconnecting observer subscribes
with the last seq it saw and receives either nothing (caught up), an
event_replay batch of the missing events, or the full message_history when
the gap is older than the ring.

# Permissions

can_use_tool requests from the agent are broadcast to observers and kept
pending until one of them answers, unless the session is in
bypassPermissions mode, in which case the bridge approves immediately.
When the agent detaches every pending request is cancelled.

# Control Requests

Requests the bridge sends to the agent (interrupt, set_model,
set_permission_mode) are tracked by id; the agent's control_response
resolves the matching handle. Session.RequestControl waits for it.
*/
package bridge
