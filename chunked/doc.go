// Package chunked fragments logical messages into MTU-sized chunks and
// reassembles them on the receiving side.
//
// Every chunk starts with the 0x03 marker, a flags byte, an optional zero
// byte (extended header form), the write handle and a running count. The
// first chunk also carries the plaintext length and the logical type:
//
//	03 flags [00] handle count [len u32 LE, type u16 LE] data...
//
// An encrypted message is sealed as a whole before fragmentation:
//
//	AES-ECB(MessageKey(sessionKey, handle), payload || counter || crc32, zero padded)
//
// The counter is drawn from the session under the encoder lock and never
// repeats within a session.
//
// Reassembly is strict: a gap in the count, a foreign handle, or a stall
// longer than the configured timeout discards the partial message. Nothing
// is retransmitted at this layer.
package chunked
