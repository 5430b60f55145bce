// Copyright (c) 2013-2016 The btcsuite developers
// Copyright (c) 2015-2025 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package mnwire

import (
	"bytes"
	"fmt"
	"io"

	"github.com/decred/dcrd/chaincfg/chainhash"
	"github.com/decred/dcrd/wire"
)

// MessageHeaderSize is the number of bytes in a message header: network
// (magic) 4 bytes + command 12 bytes + payload length 4 bytes + checksum 4
// bytes.
const MessageHeaderSize = wire.MessageHeaderSize

// CommandSize is the fixed size of all commands in the message header.
// Shorter commands must be zero padded.
const CommandSize = wire.CommandSize

// MaxMessagePayload is the maximum bytes a message can be regardless of other
// individual limits imposed by messages themselves.
const MaxMessagePayload = 1024 * 1024 * 4 // 4MB

// Commands used in message headers which describe the type of message.
const (
	CmdVersion         = wire.CmdVersion
	CmdVerAck          = wire.CmdVerAck
	CmdInv             = wire.CmdInv
	CmdGetData         = wire.CmdGetData
	CmdMNAnnounce      = "mnannounce"
	CmdMNPing          = "mnping"
	CmdMNVerify        = "mnverify"
	CmdDseg            = "dseg"
	CmdPaymentSync     = "mnpaysync"
	CmdPaymentVote     = "mnpayvote"
	CmdSyncStatusCount = "syncstatus"
	CmdGetSporks       = "getsporks"
)

// Message is an interface that describes a masternode protocol message.  It
// is the dcrd wire.Message interface so the dcrd inventory and handshake
// messages can be carried unchanged.
type Message = wire.Message

// makeEmptyMessage creates a message of the appropriate concrete type based
// on the command.
func makeEmptyMessage(command string) (Message, error) {
	const op = "makeEmptyMessage"
	var msg Message
	switch command {
	case CmdVersion:
		msg = &wire.MsgVersion{}

	case CmdVerAck:
		msg = &wire.MsgVerAck{}

	case CmdInv:
		msg = &wire.MsgInv{}

	case CmdGetData:
		msg = &wire.MsgGetData{}

	case CmdMNAnnounce:
		msg = &MsgMNAnnounce{}

	case CmdMNPing:
		msg = &MsgMNPing{}

	case CmdMNVerify:
		msg = &MsgMNVerify{}

	case CmdDseg:
		msg = &MsgDseg{}

	case CmdPaymentSync:
		msg = &MsgPaymentSync{}

	case CmdPaymentVote:
		msg = &MsgPaymentVote{}

	case CmdSyncStatusCount:
		msg = &MsgSyncStatusCount{}

	case CmdGetSporks:
		msg = &MsgGetSporks{}

	default:
		str := fmt.Sprintf("unhandled command [%s]", command)
		return nil, messageError(op, ErrUnknownCmd, str)
	}
	return msg, nil
}

// messageHeader defines the header structure for all protocol messages.
type messageHeader struct {
	magic    wire.CurrencyNet // 4 bytes
	command  string           // 12 bytes
	length   uint32           // 4 bytes
	checksum [4]byte          // 4 bytes
}

// readMessageHeader reads a message header from r.
func readMessageHeader(r io.Reader) (int, *messageHeader, error) {
	// Read the entire header into a buffer first in case there is a short
	// read so the proper amount of read bytes are known.
	var headerBytes [MessageHeaderSize]byte
	n, err := io.ReadFull(r, headerBytes[:])
	if err != nil {
		return n, nil, err
	}

	hdr := messageHeader{
		magic:  wire.CurrencyNet(littleEndian.Uint32(headerBytes[0:4])),
		length: littleEndian.Uint32(headerBytes[16:20]),
	}
	command := headerBytes[4 : 4+CommandSize]
	copy(hdr.checksum[:], headerBytes[20:24])

	// Strip trailing zeros from command string.
	hdr.command = string(bytes.TrimRight(command, "\x00"))

	return n, &hdr, nil
}

// isStrictAscii returns whether the provided string is comprised of only
// printable ASCII characters.
func isStrictAscii(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < 0x20 || s[i] > 0x7e {
			return false
		}
	}
	return true
}

// WriteMessageN writes a message to w including the necessary header
// information and returns the number of bytes written.
func WriteMessageN(w io.Writer, msg Message, pver uint32, net wire.CurrencyNet) (int, error) {
	const op = "WriteMessage"
	totalBytes := 0

	// Enforce max command size.
	cmd := msg.Command()
	if len(cmd) > CommandSize {
		str := fmt.Sprintf("command [%s] is too long [max %v]", cmd, CommandSize)
		return totalBytes, messageError(op, ErrCmdTooLong, str)
	}

	// Encode the message payload.
	var bw bytes.Buffer
	if err := msg.BtcEncode(&bw, pver); err != nil {
		return totalBytes, err
	}
	payload := bw.Bytes()

	// Enforce maximum overall message payload.
	if len(payload) > MaxMessagePayload {
		str := fmt.Sprintf("message payload is too large - encoded "+
			"%d bytes, but maximum message payload is %d bytes",
			len(payload), MaxMessagePayload)
		return totalBytes, messageError(op, ErrPayloadTooLarge, str)
	}

	// Enforce maximum message payload based on the message type.
	lenp := uint32(len(payload))
	if mpl := msg.MaxPayloadLength(pver); lenp > mpl {
		str := fmt.Sprintf("message payload is too large - encoded "+
			"%d bytes, but maximum message payload size for "+
			"messages of type [%s] is %d.", lenp, cmd, mpl)
		return totalBytes, messageError(op, ErrPayloadTooLarge, str)
	}

	var hdr [MessageHeaderSize]byte
	littleEndian.PutUint32(hdr[0:4], uint32(net))
	copy(hdr[4:4+CommandSize], cmd)
	littleEndian.PutUint32(hdr[16:20], lenp)
	cksum := chainhash.HashB(payload)
	copy(hdr[20:24], cksum[:4])

	n, err := w.Write(hdr[:])
	totalBytes += n
	if err != nil {
		return totalBytes, err
	}

	n, err = w.Write(payload)
	totalBytes += n
	return totalBytes, err
}

// WriteMessage writes a message to w including the necessary header
// information.  This function is the same as WriteMessageN except it doesn't
// return the number of bytes written.
func WriteMessage(w io.Writer, msg Message, pver uint32, net wire.CurrencyNet) error {
	_, err := WriteMessageN(w, msg, pver, net)
	return err
}

// ReadMessageN reads, validates, and parses the next message from r for the
// provided protocol version and network.  It returns the number of bytes read
// in addition to the parsed Message and raw bytes which comprise the message.
func ReadMessageN(r io.Reader, pver uint32, net wire.CurrencyNet) (int, Message, []byte, error) {
	const op = "ReadMessage"
	totalBytes := 0
	n, hdr, err := readMessageHeader(r)
	totalBytes += n
	if err != nil {
		return totalBytes, nil, nil, err
	}

	// Enforce maximum message payload.
	if hdr.length > MaxMessagePayload {
		str := fmt.Sprintf("message payload is too large - header "+
			"indicates %d bytes, but max message payload is %d bytes.",
			hdr.length, MaxMessagePayload)
		return totalBytes, nil, nil, messageError(op, ErrPayloadTooLarge, str)
	}

	// Check for messages from the wrong network.
	if hdr.magic != net {
		str := fmt.Sprintf("message from other network [%v]", hdr.magic)
		return totalBytes, nil, nil, messageError(op, ErrWrongNetwork, str)
	}

	// Check for malformed commands.
	command := hdr.command
	if !isStrictAscii(command) {
		str := fmt.Sprintf("invalid command %v", []byte(command))
		return totalBytes, nil, nil, messageError(op, ErrMalformedCmd, str)
	}

	msg, err := makeEmptyMessage(command)
	if err != nil {
		// Consume the payload so the stream stays aligned for callers
		// that choose to ignore unknown commands.
		discarded, _ := io.CopyN(io.Discard, r, int64(hdr.length))
		totalBytes += int(discarded)
		return totalBytes, nil, nil, err
	}

	// Check for maximum length based on the message type as a malicious
	// client could otherwise create a well-formed header and set the length
	// to max numbers in order to exhaust the machine's memory.
	if mpl := msg.MaxPayloadLength(pver); hdr.length > mpl {
		str := fmt.Sprintf("payload exceeds max length - header "+
			"indicates %v bytes, but max payload size for messages of "+
			"type [%v] is %v.", hdr.length, command, mpl)
		return totalBytes, nil, nil, messageError(op, ErrPayloadTooLarge, str)
	}

	payload := make([]byte, hdr.length)
	n, err = io.ReadFull(r, payload)
	totalBytes += n
	if err != nil {
		return totalBytes, nil, nil, err
	}

	checksum := chainhash.HashB(payload)[0:4]
	if !bytes.Equal(checksum, hdr.checksum[:]) {
		str := fmt.Sprintf("payload checksum failed - header indicates %v, "+
			"but actual checksum is %v.", hdr.checksum, checksum)
		return totalBytes, nil, nil, messageError(op, ErrPayloadChecksum, str)
	}

	// NOTE: This must be a *bytes.Buffer since the wire.MsgVersion BtcDecode
	// function requires it.
	pr := bytes.NewBuffer(payload)
	if err := msg.BtcDecode(pr, pver); err != nil {
		return totalBytes, nil, nil, err
	}

	return totalBytes, msg, payload, nil
}

// ReadMessage reads, validates, and parses the next message from r for the
// provided protocol version and network.  It returns the parsed Message and
// raw bytes which comprise the message.
func ReadMessage(r io.Reader, pver uint32, net wire.CurrencyNet) (Message, []byte, error) {
	_, msg, buf, err := ReadMessageN(r, pver, net)
	return msg, buf, err
}
