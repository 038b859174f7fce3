// Package transport frames byte-stream links to a watch and multiplexes
// logical channels over them.
//
// # Frames
//
// Every frame on a stream link has the layout
//
//	55 | command | seq | length (u16 LE) | payload | crc16 (u16 LE) | aa
//
// The checksum is CRC-16/CCITT-FALSE over command, sequence, length and
// payload. Parser accepts bytes in whatever pieces the link delivers them and
// resynchronizes after corruption:
//
//	p := transport.NewParser()
//	for _, f := range p.Feed(buf[:n]) {
//	    handle(f)
//	}
//
// A byte that is not a preamble is skipped. A frame whose trailer is wrong is
// abandoned and scanning resumes at the trailer position. A frame whose
// checksum is wrong is dropped. Each of these is reported as a recoverable
// wireerr error and never stops the stream.
//
// # Sessions
//
// Session drives the link: it requests the channel map, starts a session
// with a random nonce, routes channel data by endpoint UUID, acknowledges
// data that asks for it, answers pings and sends keepalives when the link
// has been idle. When the watch ends the active session, Session reports it
// and schedules a reconnect after DefaultReconnectDelay.
//
//	st, err := transport.Dial(ctx, transport.DialConfig{Address: "127.0.0.1:6000"})
//	s := transport.NewSession(st.Write, transport.SessionHandlers{
//	    OnChannelData: conn.HandleChannelData,
//	}, transport.SessionConfig{})
//	go st.Run(ctx, s.Feed)
//	err = s.Start()
package transport
