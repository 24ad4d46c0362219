package vpudec

import (
	"fmt"
	"strings"
)

// OutputCode is the bitmask of independent event flags one Decode call
// returns. The flags are not mutually exclusive; the session checks
// them in a fixed order (initial info, decoded picture, dropped,
// end of stream). Bits outside the known set are passed through
// untouched and ignored by the session.
type OutputCode uint32

const (
	OutputCodeInitialInfoAvailable = OutputCode(1 << iota)
	OutputCodeDecodedPictureAvailable
	OutputCodeDropped
	OutputCodeEOS
)

const outputCodeKnownMask = OutputCodeInitialInfoAvailable |
	OutputCodeDecodedPictureAvailable |
	OutputCodeDropped |
	OutputCodeEOS

func (c OutputCode) Has(flag OutputCode) bool {
	return c&flag != 0
}

// Unhandled returns the bits the session does not react to.
func (c OutputCode) Unhandled() OutputCode {
	return c &^ outputCodeKnownMask
}

func (c OutputCode) String() string {
	if c == 0 {
		return "<none>"
	}

	var flags []string
	if c.Has(OutputCodeInitialInfoAvailable) {
		flags = append(flags, "initial_info_available")
	}
	if c.Has(OutputCodeDecodedPictureAvailable) {
		flags = append(flags, "decoded_picture_available")
	}
	if c.Has(OutputCodeDropped) {
		flags = append(flags, "dropped")
	}
	if c.Has(OutputCodeEOS) {
		flags = append(flags, "eos")
	}
	if unhandled := c.Unhandled(); unhandled != 0 {
		flags = append(flags, fmt.Sprintf("unhandled:%#x", uint32(unhandled)))
	}
	return strings.Join(flags, "|")
}
