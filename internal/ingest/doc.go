// Package ingest reaches the services an FTL session depends on outside the
// control connection itself.
//
// # Overview
//
// Two external systems take part in a session's lifecycle:
//
//  1. The media port allocator
//     - An HTTP service that hands out the UDP port the broadcaster will
//     send RTP to once negotiation completes.
//     - POST {base}/stream returns {"port": n}.
//     - DELETE {base}/stream?port=n returns the port to the pool.
//
//  2. The stream authority
//     - A WebSocket endpoint told when a stream key goes live and when it
//     ends.
//     - Start: {"stream_key": k}, one reply is read and logged.
//     - End: {"stream_key": k, "status": "ended"}, no reply is awaited.
//
// Both are reached through the Coordinator interface. HTTPCoordinator talks
// to the real services; NoopCoordinator is used when they are not
// configured and in tests.
//
// # Failure model
//
// Every Coordinator call is best-effort from the session's point of view.
// AllocatePort failures surface as an error (ErrNoPort for unusable
// responses) and the caller substitutes the compatibility port. Announce and
// release failures are returned for logging only; they never block teardown.
//
// # Configuration
//
// LoadConfigFromEnv reads:
//
//	WEBRTC_SERVER_URL        allocator base address (default http://localhost:8080)
//	FTL_AUTHORITY_URL        authority endpoint (default wss://meow.com/stream/auth)
//	FTL_HTTP_MAX_ATTEMPTS    allocator request attempts (default 1)
//	FTL_HTTP_RETRY_INTERVAL  delay between allocator attempts (default 0)
//	FTL_EXTERNAL_TIMEOUT     deadline applied to every external call (default 5s)
package ingest
