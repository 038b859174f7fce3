// Package simwatch provides an in-memory simulated watch for deterministic
// testing of phone-side connections.
//
// A Watch speaks the device side of a stream link. Wire it to any byte
// stream, typically a loopback TCP connection:
//
//	st := transport.NewStreamTransport(conn)
//	w := simwatch.New(simwatch.Config{MTU: 247, Session: 1}, st.Write)
//	go st.Run(ctx, w.Feed)
//
//	rec, err := w.NextMessage(ctx)
//
// The watch answers channel and session requests, verifies the client's
// handshake proof against its PairingKey, reassembles and decrypts chunked
// messages and records application messages in a log.
//
// Simulated watches log a warning on creation so they are not mistaken for
// real devices in production logs.
package simwatch
