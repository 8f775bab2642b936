// Package server exposes a session registry over HTTP.
//
// Agents connect to /ws/agent/{sessionID} and observers to
// /ws/browser/{sessionID}. Each WebSocket text message may carry several
// newline-delimited frames; frames sent to a peer are queued per socket
// and written by a dedicated goroutine, so a slow peer never blocks its
// session. A peer whose queue fills up is dropped.
//
// The REST endpoints under /session inspect sessions, load or read their
// durable history, broadcast content changes and interrupt the agent.
// /event streams lifecycle events as Server-Sent Events.
//
//	srv := server.New(server.FromConfig(cfg), registry,
//		server.WithBus(bus), server.WithSaver(persister))
//	go srv.Start()
//	defer srv.Shutdown(ctx)
package server
