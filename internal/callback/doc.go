// Package callback captures the OAuth authorization redirect on a transient local
// HTTP listener.
//
// A listener serves exactly one login attempt:
//
//	pending := callback.Start(ctx, "127.0.0.1:8765", "/callback")
//	result := pending.Await(ctx, 2*time.Minute)
//	// the port is released here, whatever the result kind
//
// Only one listener may be active per process; a second Start while one is active
// resolves to KindBindFailure.
package callback
