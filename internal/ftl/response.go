package ftl

import "strconv"

// Response lines written back to the client. The status prefixes are part of
// the wire contract.
const (
	OK           = "200\n"
	KeepaliveAck = "201\n"
	// AttributeAck is written after an accepted attribute. It carries no
	// bytes, but clients stall unless the server answers each attribute.
	AttributeAck = ""
)

// ChallengeReply answers an Authenticate command.
func ChallengeReply(payload string) string {
	return "200 " + payload + "\n"
}

// PortReply answers FinalizeNegotiation with the media port to use.
func PortReply(port uint16) string {
	return "200 hi. Use UDP port " + strconv.FormatUint(uint64(port), 10) + "\n"
}
