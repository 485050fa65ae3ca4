package wire

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

func TestHelloRoundTrip(t *testing.T) {
	in := Hello{ProtocolVersion: 1, Token: []byte("bearer-xyz")}
	var out Hello
	if err := out.Decode(in.Encode()); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.ProtocolVersion != in.ProtocolVersion || !bytes.Equal(out.Token, in.Token) {
		t.Fatalf("mismatch: %+v", out)
	}

	var empty Hello
	if err := empty.Decode((&Hello{ProtocolVersion: 1}).Encode()); err != nil {
		t.Fatalf("decode empty token: %v", err)
	}
	if len(empty.Token) != 0 {
		t.Fatalf("expected empty token, got %q", empty.Token)
	}
}

func TestSyncResponseRoundTrip(t *testing.T) {
	in := SyncResponse{
		Complete: true,
		Entries: []SyncEntry{
			{Index: 0, Epoch: 1, Frame: []byte("frame-0")},
			{Index: 1, Epoch: 1, Frame: []byte("frame-1")},
		},
	}
	var out SyncResponse
	if err := out.Decode(in.Encode()); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !out.Complete || len(out.Entries) != 2 {
		t.Fatalf("mismatch: %+v", out)
	}
	for i, e := range out.Entries {
		if e.Index != in.Entries[i].Index || e.Epoch != in.Entries[i].Epoch || !bytes.Equal(e.Frame, in.Entries[i].Frame) {
			t.Fatalf("entry %d mismatch: %+v", i, e)
		}
	}
}

func TestSyncResponseRejectsLyingCount(t *testing.T) {
	// Count claims far more entries than the payload can hold. The decoder
	// must fail fast instead of allocating for the claimed count.
	raw := (&SyncResponse{}).Encode()
	raw[1], raw[2], raw[3], raw[4] = 0xFF, 0xFF, 0xFF, 0xFF
	var out SyncResponse
	if err := out.Decode(raw); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
}

func TestErrorInfoRoundTrip(t *testing.T) {
	in := ErrorInfo{Code: CodeBusy, Message: "commit already pending", RetryAfter: 2}
	var out ErrorInfo
	if err := out.Decode(in.Encode()); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out != in {
		t.Fatalf("mismatch: %+v", out)
	}
}

func TestOversizeDiagnosticsTruncateOnEncode(t *testing.T) {
	long := strings.Repeat("x", MaxString16+1024)

	var bye Goodbye
	if err := bye.Decode((&Goodbye{Reason: long}).Encode()); err != nil {
		t.Fatalf("decode goodbye: %v", err)
	}
	if len(bye.Reason) != MaxString16 || bye.Reason != long[:MaxString16] {
		t.Fatalf("expected reason clamped to %d bytes, got %d", MaxString16, len(bye.Reason))
	}

	// The fields after the clamped message must survive intact.
	var info ErrorInfo
	if err := info.Decode((&ErrorInfo{Code: CodeInternal, Message: long, RetryAfter: 7}).Encode()); err != nil {
		t.Fatalf("decode error info: %v", err)
	}
	if info.Code != CodeInternal || info.RetryAfter != 7 {
		t.Fatalf("fields mangled after clamp: %+v", info)
	}
	if len(info.Message) != MaxString16 {
		t.Fatalf("expected message clamped to %d bytes, got %d", MaxString16, len(info.Message))
	}
}

func TestPayloadDecodeRejectsJunk(t *testing.T) {
	cases := []struct {
		name   string
		decode func([]byte) error
		raw    []byte
	}{
		{"hello truncated", func(b []byte) error { var p Hello; return p.Decode(b) }, []byte{0x00}},
		{"hello_reply truncated", func(b []byte) error { var p HelloReply; return p.Decode(b) }, make([]byte, 11)},
		{"sync_request trailing", func(b []byte) error { var p SyncRequest; return p.Decode(b) }, make([]byte, 13)},
		{"error short message", func(b []byte) error { var p ErrorInfo; return p.Decode(b) }, []byte{0x00, 0x01, 0x00, 0x10, 'x'}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.decode(tc.raw)
			if !errors.Is(err, ErrTruncated) && !errors.Is(err, ErrMalformed) {
				t.Fatalf("expected codec error, got %v", err)
			}
		})
	}
}
