package session

import (
	"bytes"
	"testing"

	"github.com/wyre-mesh/reticulum-go/rnserrors"
)

func TestMessageEnvelopeRoundTrip(t *testing.T) {
	body := []byte("hello session")
	envelope, err := EncodeMessage(TypeCommandRequest, body)
	if err != nil {
		t.Fatalf("EncodeMessage: %v", err)
	}
	gotType, gotBody, err := DecodeMessage(envelope)
	if err != nil {
		t.Fatalf("DecodeMessage: %v", err)
	}
	if gotType != TypeCommandRequest || !bytes.Equal(gotBody, body) {
		t.Fatalf("round trip mismatch: type=%v body=%q", gotType, gotBody)
	}
}

func TestDecodeMessageRejectsLengthMismatch(t *testing.T) {
	envelope, err := EncodeMessage(TypePing, nil)
	if err != nil {
		t.Fatalf("EncodeMessage: %v", err)
	}
	envelope = append(envelope, 0xFF) // trailing garbage byte

	if _, _, err := DecodeMessage(envelope); err == nil {
		t.Fatalf("expected a length mismatch error")
	}
}

func TestConnectRoundTrip(t *testing.T) {
	c := Connect{Version: ProtocolVersion}
	for i := range c.ClientPublicKey {
		c.ClientPublicKey[i] = byte(i)
	}
	for i := range c.Signature {
		c.Signature[i] = byte(i + 1)
	}
	got, err := DecodeConnect(c.Encode())
	if err != nil {
		t.Fatalf("DecodeConnect: %v", err)
	}
	if got != c {
		t.Fatalf("connect round trip mismatch: got %+v, want %+v", got, c)
	}
}

func TestRejectRoundTrip(t *testing.T) {
	r := Reject{Code: rnserrors.RejectNotAllowed, Reason: "client not allowed"}
	got, err := DecodeReject(r.Encode())
	if err != nil {
		t.Fatalf("DecodeReject: %v", err)
	}
	if got.Code != r.Code || got.Reason != r.Reason {
		t.Fatalf("reject round trip mismatch: got %+v, want %+v", got, r)
	}
}

func TestCommandRequestRoundTrip(t *testing.T) {
	req := CommandRequest{
		ID:          7,
		Command:     "echo",
		Args:        []string{"hello", "world"},
		Env:         map[string]string{"FOO": "bar"},
		TimeoutSecs: 30,
		WorkingDir:  "/tmp",
	}
	got, err := DecodeCommandRequest(req.Encode())
	if err != nil {
		t.Fatalf("DecodeCommandRequest: %v", err)
	}
	if got.ID != req.ID || got.Command != req.Command || got.TimeoutSecs != req.TimeoutSecs || got.WorkingDir != req.WorkingDir {
		t.Fatalf("command request round trip mismatch: got %+v", got)
	}
	if len(got.Args) != 2 || got.Args[0] != "hello" || got.Args[1] != "world" {
		t.Fatalf("args mismatch: %+v", got.Args)
	}
	if got.Env["FOO"] != "bar" {
		t.Fatalf("env mismatch: %+v", got.Env)
	}
}

func TestCommandResponseRoundTrip(t *testing.T) {
	resp := CommandResponse{
		ID:        7,
		Status:    StatusSuccess,
		Stdout:    []byte("hello\n"),
		Stderr:    nil,
		ExitCode:  0,
		ElapsedMs: 12,
	}
	got, err := DecodeCommandResponse(resp.Encode())
	if err != nil {
		t.Fatalf("DecodeCommandResponse: %v", err)
	}
	if got.ID != resp.ID || got.Status != resp.Status || !bytes.Equal(got.Stdout, resp.Stdout) || got.ExitCode != resp.ExitCode || got.ElapsedMs != resp.ElapsedMs {
		t.Fatalf("command response round trip mismatch: got %+v", got)
	}
}
