// Package session implements the command session layer carried over an
// ACTIVE link: a length-prefixed message envelope, a CONNECT/ACCEPT/REJECT
// handshake, COMMAND_REQUEST/COMMAND_RESPONSE dispatch to an executor
// collaborator, and idle-keepalive PING/PONG.
//
// Framing mirrors socks.Server's per-conn read loop generalized from a raw
// TCP byte stream to a message-oriented link, and the manual binary
// (de)serialization matches cell.Cell/directory/keycert.go: no codegen, no
// protobuf, just encoding/binary plus explicit field layout.
package session

import (
	"encoding/binary"
	"fmt"

	"github.com/wyre-mesh/reticulum-go/rnserrors"
)

// MaxMessageSize is the total on-wire size ceiling for one framed message,
// length prefix included.
const MaxMessageSize = 1 << 20

// Type is the one-byte message discriminator.
type Type uint8

const (
	TypeConnect         Type = 0x01
	TypeAccept          Type = 0x02
	TypeReject          Type = 0x03
	TypeCommandRequest  Type = 0x10
	TypeCommandResponse Type = 0x11
	TypeDisconnect      Type = 0x20
	TypeAck             Type = 0x21
	TypePing            Type = 0x30
	TypePong            Type = 0x31
)

// ProtocolVersion is the only version this implementation accepts.
const ProtocolVersion = 1

// Status is a COMMAND_RESPONSE outcome.
type Status uint8

const (
	StatusSuccess Status = 0
	StatusError   Status = 1
	StatusTimeout Status = 2
	StatusKilled  Status = 3
)

// EncodeMessage builds the on-wire envelope: [length:u32 BE][type:u8][body].
// length counts the type byte plus body.
func EncodeMessage(t Type, body []byte) ([]byte, error) {
	total := 1 + len(body)
	if 4+total > MaxMessageSize {
		return nil, fmt.Errorf("session: message too large (%d bytes): %w", 4+total, rnserrors.ErrProtocol)
	}
	out := make([]byte, 4+total)
	binary.BigEndian.PutUint32(out[0:4], uint32(total))
	out[4] = byte(t)
	copy(out[5:], body)
	return out, nil
}

// DecodeMessage parses the envelope, returning the message type and body.
func DecodeMessage(data []byte) (Type, []byte, error) {
	if len(data) < 5 {
		return 0, nil, fmt.Errorf("session: message too short (%d bytes): %w", len(data), rnserrors.ErrProtocol)
	}
	length := binary.BigEndian.Uint32(data[0:4])
	if int(length) != len(data)-4 {
		return 0, nil, fmt.Errorf("session: length prefix %d does not match frame size %d: %w", length, len(data)-4, rnserrors.ErrProtocol)
	}
	if 4+int(length) > MaxMessageSize {
		return 0, nil, fmt.Errorf("session: message too large (%d bytes): %w", 4+length, rnserrors.ErrProtocol)
	}
	return Type(data[4]), append([]byte(nil), data[5:]...), nil
}

func putString(out []byte, s string) []byte {
	out = binary.BigEndian.AppendUint32(out, uint32(len(s)))
	return append(out, s...)
}

func getString(data []byte) (string, []byte, error) {
	if len(data) < 4 {
		return "", nil, fmt.Errorf("session: truncated string length: %w", rnserrors.ErrProtocol)
	}
	n := binary.BigEndian.Uint32(data[0:4])
	data = data[4:]
	if uint64(n) > uint64(len(data)) {
		return "", nil, fmt.Errorf("session: truncated string body: %w", rnserrors.ErrProtocol)
	}
	return string(data[:n]), data[n:], nil
}

func putBytes(out []byte, b []byte) []byte {
	out = binary.BigEndian.AppendUint32(out, uint32(len(b)))
	return append(out, b...)
}

func getBytes(data []byte) ([]byte, []byte, error) {
	if len(data) < 4 {
		return nil, nil, fmt.Errorf("session: truncated bytes length: %w", rnserrors.ErrProtocol)
	}
	n := binary.BigEndian.Uint32(data[0:4])
	data = data[4:]
	if uint64(n) > uint64(len(data)) {
		return nil, nil, fmt.Errorf("session: truncated bytes body: %w", rnserrors.ErrProtocol)
	}
	return append([]byte(nil), data[:n]...), data[n:], nil
}

// Connect is the client's handshake opener. It carries the client's
// long-term public identity (x25519_pub || ed25519_pub, identity.PublicBytes
// layout) and an Ed25519 signature over the link id, so the server can
// verify the connecting peer rather than trust a self-reported address.
type Connect struct {
	Version          uint8
	ClientPublicKey  [64]byte
	Signature        [64]byte
}

func (c Connect) Encode() []byte {
	out := make([]byte, 0, 1+64+64)
	out = append(out, c.Version)
	out = append(out, c.ClientPublicKey[:]...)
	out = append(out, c.Signature[:]...)
	return out
}

func DecodeConnect(data []byte) (Connect, error) {
	var c Connect
	if len(data) < 1+64+64 {
		return c, fmt.Errorf("session: CONNECT too short: %w", rnserrors.ErrProtocol)
	}
	c.Version = data[0]
	copy(c.ClientPublicKey[:], data[1:65])
	copy(c.Signature[:], data[65:129])
	return c, nil
}

// Accept carries the freshly issued session id.
type Accept struct {
	SessionID [16]byte
}

func (a Accept) Encode() []byte { return append([]byte(nil), a.SessionID[:]...) }

func DecodeAccept(data []byte) (Accept, error) {
	var a Accept
	if len(data) < 16 {
		return a, fmt.Errorf("session: ACCEPT too short: %w", rnserrors.ErrProtocol)
	}
	copy(a.SessionID[:], data[0:16])
	return a, nil
}

// Reject carries a numeric error code and a human-readable reason.
type Reject struct {
	Code   rnserrors.PolicyRejectCode
	Reason string
}

func (r Reject) Encode() []byte {
	out := make([]byte, 0, 2+4+len(r.Reason))
	out = binary.BigEndian.AppendUint16(out, uint16(r.Code))
	out = putString(out, r.Reason)
	return out
}

func DecodeReject(data []byte) (Reject, error) {
	var r Reject
	if len(data) < 2 {
		return r, fmt.Errorf("session: REJECT too short: %w", rnserrors.ErrProtocol)
	}
	r.Code = rnserrors.PolicyRejectCode(binary.BigEndian.Uint16(data[0:2]))
	reason, _, err := getString(data[2:])
	if err != nil {
		return r, err
	}
	r.Reason = reason
	return r, nil
}

// CommandRequest asks the peer's executor to run one command.
type CommandRequest struct {
	ID          uint32
	Command     string
	Args        []string
	Env         map[string]string
	TimeoutSecs uint64 // 0 means "use server default"
	WorkingDir  string
}

func (r CommandRequest) Encode() []byte {
	out := make([]byte, 0, 64)
	out = binary.BigEndian.AppendUint32(out, r.ID)
	out = putString(out, r.Command)
	out = binary.BigEndian.AppendUint32(out, uint32(len(r.Args)))
	for _, a := range r.Args {
		out = putString(out, a)
	}
	out = binary.BigEndian.AppendUint32(out, uint32(len(r.Env)))
	for k, v := range r.Env {
		out = putString(out, k)
		out = putString(out, v)
	}
	out = binary.BigEndian.AppendUint64(out, r.TimeoutSecs)
	out = putString(out, r.WorkingDir)
	return out
}

func DecodeCommandRequest(data []byte) (CommandRequest, error) {
	var r CommandRequest
	if len(data) < 4 {
		return r, fmt.Errorf("session: COMMAND_REQUEST too short: %w", rnserrors.ErrProtocol)
	}
	r.ID = binary.BigEndian.Uint32(data[0:4])
	rest := data[4:]

	cmd, rest, err := getString(rest)
	if err != nil {
		return r, err
	}
	r.Command = cmd

	if len(rest) < 4 {
		return r, fmt.Errorf("session: COMMAND_REQUEST truncated arg count: %w", rnserrors.ErrProtocol)
	}
	argc := binary.BigEndian.Uint32(rest[0:4])
	rest = rest[4:]
	r.Args = make([]string, 0, argc)
	for i := uint32(0); i < argc; i++ {
		var a string
		a, rest, err = getString(rest)
		if err != nil {
			return r, err
		}
		r.Args = append(r.Args, a)
	}

	if len(rest) < 4 {
		return r, fmt.Errorf("session: COMMAND_REQUEST truncated env count: %w", rnserrors.ErrProtocol)
	}
	envc := binary.BigEndian.Uint32(rest[0:4])
	rest = rest[4:]
	if envc > 0 {
		r.Env = make(map[string]string, envc)
	}
	for i := uint32(0); i < envc; i++ {
		var k, v string
		k, rest, err = getString(rest)
		if err != nil {
			return r, err
		}
		v, rest, err = getString(rest)
		if err != nil {
			return r, err
		}
		r.Env[k] = v
	}

	if len(rest) < 8 {
		return r, fmt.Errorf("session: COMMAND_REQUEST truncated timeout: %w", rnserrors.ErrProtocol)
	}
	r.TimeoutSecs = binary.BigEndian.Uint64(rest[0:8])
	rest = rest[8:]

	wd, _, err := getString(rest)
	if err != nil {
		return r, err
	}
	r.WorkingDir = wd
	return r, nil
}

// CommandResponse carries an executor's completed or terminated result.
type CommandResponse struct {
	ID         uint32
	Status     Status
	Stdout     []byte
	Stderr     []byte
	ExitCode   int32
	ElapsedMs  uint64
}

func (r CommandResponse) Encode() []byte {
	out := make([]byte, 0, 32+len(r.Stdout)+len(r.Stderr))
	out = binary.BigEndian.AppendUint32(out, r.ID)
	out = append(out, byte(r.Status))
	out = putBytes(out, r.Stdout)
	out = putBytes(out, r.Stderr)
	out = binary.BigEndian.AppendUint32(out, uint32(r.ExitCode))
	out = binary.BigEndian.AppendUint64(out, r.ElapsedMs)
	return out
}

func DecodeCommandResponse(data []byte) (CommandResponse, error) {
	var r CommandResponse
	if len(data) < 5 {
		return r, fmt.Errorf("session: COMMAND_RESPONSE too short: %w", rnserrors.ErrProtocol)
	}
	r.ID = binary.BigEndian.Uint32(data[0:4])
	r.Status = Status(data[4])
	rest := data[5:]

	stdout, rest, err := getBytes(rest)
	if err != nil {
		return r, err
	}
	r.Stdout = stdout

	stderr, rest, err := getBytes(rest)
	if err != nil {
		return r, err
	}
	r.Stderr = stderr

	if len(rest) < 12 {
		return r, fmt.Errorf("session: COMMAND_RESPONSE truncated tail: %w", rnserrors.ErrProtocol)
	}
	r.ExitCode = int32(binary.BigEndian.Uint32(rest[0:4]))
	r.ElapsedMs = binary.BigEndian.Uint64(rest[4:12])
	return r, nil
}

// Disconnect carries a human-readable reason for tearing down the session.
type Disconnect struct {
	Reason string
}

func (d Disconnect) Encode() []byte { return putString(nil, d.Reason) }

func DecodeDisconnect(data []byte) (Disconnect, error) {
	reason, _, err := getString(data)
	return Disconnect{Reason: reason}, err
}

// Ack echoes a request id. Neither Client nor Server sends one, and both
// ignore inbound ACK messages.
type Ack struct {
	ID uint32
}

func (a Ack) Encode() []byte { return binary.BigEndian.AppendUint32(nil, a.ID) }

func DecodeAck(data []byte) (Ack, error) {
	if len(data) < 4 {
		return Ack{}, fmt.Errorf("session: ACK too short: %w", rnserrors.ErrProtocol)
	}
	return Ack{ID: binary.BigEndian.Uint32(data[0:4])}, nil
}
