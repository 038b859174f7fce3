// Package wearcore implements the device communication core for a smartwatch
// companion: authenticated, encrypted, chunked message exchange over BLE
// characteristics or a framed byte stream.
//
// The stack, bottom up:
//
//   - transport: frame parsing with resynchronization, channel multiplexing,
//     session start and keepalive on stream links.
//   - chunked: fragmentation of logical messages into MTU-sized chunks,
//     whole-message AES encryption and reassembly.
//   - auth: the key exchange that proves possession of the pairing key and
//     derives the session key and counter.
//   - tlv: the tag-length-value codec used for message bodies.
//
// # Getting Started
//
// Connect to a watch emulator over TCP and register a handler:
//
//	cfg, err := config.LoadFile("watch.toml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := wearcore.ConfigureLogging(cfg.Logging); err != nil {
//	    log.Fatal(err)
//	}
//
//	client, err := wearcore.DialStream(ctx, cfg, transport.DialConfig{Address: "127.0.0.1:6000"})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	conn := client.Connection()
//	conn.OnAuthenticated(func() {
//	    msg := tlv.New().PutByte(0x01, 0x03)
//	    conn.SendTLV(0x0013, msg, true)
//	})
//	conn.OnAuthenticationFailed(func(reason auth.FailureReason, err error) {
//	    fmt.Println(reason) // "authentication failed, check your pairing key"
//	})
//	conn.RegisterTLV(0x0013, tlv.ModeTolerant, func(t uint16, msg *tlv.TLV) error {
//	    fmt.Println(msg)
//	    return nil
//	})
//	err = client.Serve(ctx)
//
// Run processes one stream. When the watch ends the session it closes the
// stream and returns ErrReconnect after ReconnectDelay; Serve redials and
// runs again until some other error ends it.
//
// For BLE links, construct a Connection directly with NewConnection, pass
// characteristic notifications to HandleChannelData and MTU updates to SetMTU,
// and call Start once the link is up.
//
// # Concurrency
//
// Inbound data for one connection must be fed from a single goroutine.
// Send may be called from any goroutine; writes are serialized so chunk
// order and the encryption counter follow call order.
package wearcore
