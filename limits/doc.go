// Package limits provides centralized size constants and validation functions
// for the device protocol stack. This package ensures consistent size enforcement
// across the chunked transfer, framing and TLV layers.
//
// # MTU
//
// Every link starts at DefaultMTU (23 bytes, the BLE ATT minimum). After the
// link renegotiates, the new value is checked with ValidateMTU. A single write
// never exceeds MaxWrite(mtu), which subtracts the ATT header and caps the
// result at MaxWriteChunk:
//
//	n := limits.MaxWrite(247) // 244
//
// # Message Size
//
// MaxMessage bounds a reassembled logical message. Length headers announcing
// more than this are rejected before any buffer is allocated. For other
// limits, use the generic ValidateMessageSize function:
//
//	err := limits.ValidateMessageSize(data, limits.MaxFramePayload)
//
// # Error Types
//
//   - ErrMessageEmpty: Returned when an empty or nil message is provided
//   - ErrMessageTooLarge: Returned when message exceeds the specified limit
//   - ErrMTUOutOfRange: Returned when an MTU is below DefaultMTU or above the link maximum
package limits
