package transport

import (
	"encoding/binary"
	"fmt"

	"github.com/sigurn/crc16"

	"github.com/opd-ai/wearcore/limits"
	"github.com/opd-ai/wearcore/wireerr"
)

// Frame delimiters.
const (
	Preamble byte = 0x55
	Trailer  byte = 0xaa
)

// FrameOverhead is preamble, command, sequence, length, checksum and trailer.
const FrameOverhead = 8

// Command identifies the type of a frame.
type Command byte

const (
	CmdChannelsGet     Command = 0x01
	CmdChannelsRet     Command = 0x02
	CmdSessionStart    Command = 0x03
	CmdSessionStartAck Command = 0x04
	CmdSessionEnd      Command = 0x05
	CmdSessionEndAck   Command = 0x06
	CmdChannelData     Command = 0x07
	CmdChannelAck      Command = 0x08
	CmdPing            Command = 0x09
	CmdPong            Command = 0x0a
)

var commandNames = map[Command]string{
	CmdChannelsGet:     "channels get",
	CmdChannelsRet:     "channels ret",
	CmdSessionStart:    "session start",
	CmdSessionStartAck: "session start ack",
	CmdSessionEnd:      "session end",
	CmdSessionEndAck:   "session end ack",
	CmdChannelData:     "channel data",
	CmdChannelAck:      "channel ack",
	CmdPing:            "ping",
	CmdPong:            "pong",
}

func (c Command) String() string {
	if n, ok := commandNames[c]; ok {
		return n
	}
	return fmt.Sprintf("command(0x%02x)", byte(c))
}

// Known reports whether c is one of the defined commands.
func (c Command) Known() bool { return c >= CmdChannelsGet && c <= CmdPong }

// Frame is one delimited unit on a stream link.
type Frame struct {
	Command Command
	Seq     byte
	Payload []byte
}

// Serialize converts a frame to its wire form:
//
//	55 cmd seq len(u16 LE) payload crc16(u16 LE) aa
func (f *Frame) Serialize() ([]byte, error) {
	if len(f.Payload) > limits.MaxFramePayload {
		return nil, fmt.Errorf("%w: frame payload %d exceeds %d", limits.ErrMessageTooLarge, len(f.Payload), limits.MaxFramePayload)
	}
	out := make([]byte, 0, FrameOverhead+len(f.Payload))
	out = append(out, Preamble, byte(f.Command), f.Seq)
	out = binary.LittleEndian.AppendUint16(out, uint16(len(f.Payload)))
	out = append(out, f.Payload...)
	out = binary.LittleEndian.AppendUint16(out, f.checksum())
	return append(out, Trailer), nil
}

// checksum covers command, sequence, length and payload.
func (f *Frame) checksum() uint16 {
	var hdr [4]byte
	hdr[0] = byte(f.Command)
	hdr[1] = f.Seq
	binary.LittleEndian.PutUint16(hdr[2:], uint16(len(f.Payload)))
	return CRC16(f.Payload, CRC16(hdr[:], CRC16Init))
}

// CRC16Init is the initial register value for CRC16.
const CRC16Init uint16 = 0xffff

var crcTable = crc16.MakeTable(crc16.CRC16_CCITT_FALSE)

// CRC16 continues a CRC-16/CCITT-FALSE (poly 0x1021) over data.
func CRC16(data []byte, crc uint16) uint16 {
	return crc16.Update(crc, data, crcTable)
}

func frameError(kind wireerr.Kind, format string, args ...interface{}) error {
	return wireerr.New(kind, "transport.Parser", format, args...)
}
