// Package ftl implements the line-oriented FTL control protocol codec used by
// broadcasters to set up an ingest session.
//
// # Framing
//
// Every client command is a short ASCII text frame terminated by a blank
// line ("\r\n\r\n"; a bare "\n\n" is tolerated). The decoder turns each frame
// into one of the Command variants:
//
//	HMAC                       -> Authenticate
//	CONNECT <channel> $<key>   -> Connect
//	<Key>: <Value>             -> SetAttribute
//	.                          -> FinalizeNegotiation
//	PING [<channel>]           -> Keepalive
//	DISCONNECT                 -> Disconnect
//
// Anything else decodes to Unrecognized so that callers can log and skip it
// instead of tearing the connection down.
//
// Responses travel the other way as plain text lines that already carry their
// own terminator ("200\n", "201\n", ...). The encoder writes them verbatim.
package ftl
