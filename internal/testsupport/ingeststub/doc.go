// Package ingeststub hosts a deterministic fake of the services an FTL
// session talks to: the media port allocator (HTTP) and the stream
// authority (WebSocket). Tests point the coordinator at BaseURL and
// AuthorityURL and assert on the recorded operations.
package ingeststub
