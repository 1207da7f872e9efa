// Package appbridge owns the single JSON-RPC session to a long-running agent
// process.
//
// A Bridge dials the agent lazily, performs the initialize/initialized
// handshake, correlates outbound calls with their responses by id, routes
// every inbound frame (response, notification or server-initiated request)
// and rebuilds the session on demand:
//
//	b := appbridge.New(appbridge.Options{URL: "ws://127.0.0.1:4500"})
//	defer b.Close()
//	res, err := b.Call(ctx, "thread/list", map[string]any{"limit": 20})
//
// # Calls
//
// Ids come from a counter starting at 1 that is never reused. Each call is
// resolved exactly once: by its response, by the call deadline (15s by
// default), or by loss of the connection. A response that arrives after the
// deadline is dropped.
//
// # Notifications
//
// OnNotification observes every notification. SubscribeThread observes the
// notifications of one conversation; the conversation id is found by a
// bounded search of the params for threadId, thread_id, conversationId or
// conversation_id. Notifications without an id go to every thread listener.
// Each listener is served by its own goroutine in arrival order, so it may
// block or call back into the bridge without stalling the session.
//
// # Server requests
//
// SetServerRequestHandler installs the single decision callback. It runs on
// its own goroutine and may take as long as it needs. Without a handler the
// agent receives a -32000 "unsupported server request" error.
package appbridge
