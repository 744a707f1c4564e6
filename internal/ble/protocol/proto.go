package protocol

import "strings"

// Command prefixes and literals of the UART text protocol. Every command is
// written without acknowledgement; responses arrive as notifications.
const (
	prefixAuthenticate = "U"
	prefixReset        = "E"
	armMode            = "M"
	armValue           = "2"
	commitUpdate       = "XB"

	// armRepeats compensates for dropped unacknowledged writes.
	armRepeats = 3

	authenticatedMarker = "Authenticated"
)

// Authenticate builds the authenticate command for a password or serial suffix.
func Authenticate(secret string) []byte {
	return []byte(prefixAuthenticate + secret)
}

// Reset builds the factory reset command authorized by the serial suffix.
func Reset(suffix string) []byte {
	return []byte(prefixReset + suffix)
}

// ArmSequence returns the ordered writes that arm update mode. Each element
// must be sent as a separate write.
func ArmSequence() [][]byte {
	seq := make([][]byte, 0, armRepeats*2)
	for i := 0; i < armRepeats; i++ {
		seq = append(seq, []byte(armMode), []byte(armValue))
	}
	return seq
}

// Commit builds the command that reboots the device into update mode.
func Commit() []byte {
	return []byte(commitUpdate)
}

// IsAuthenticated reports whether a response payload acknowledges
// authentication.
func IsAuthenticated(payload []byte) bool {
	return strings.Contains(string(payload), authenticatedMarker)
}

// SerialSuffix returns the last SerialSuffixSize characters of a serial.
// Shorter serials are returned whole.
func SerialSuffix(serial string) string {
	r := []rune(serial)
	if len(r) <= SerialSuffixSize {
		return serial
	}
	return string(r[len(r)-SerialSuffixSize:])
}
