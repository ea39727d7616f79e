package wire

import (
	"reflect"
	"testing"
)

func TestOpRoundTrip(t *testing.T) {
	cases := []Op{
		{UserID: "ream", Kind: OpCreate},
		{UserID: "ream", Kind: OpLogin},
		{UserID: "ream", Kind: OpDelete},
		{UserID: "mark", Kind: OpNotif},
		{UserID: "ream", Kind: OpSend, RecipientID: "mark", Text: "hi there"},
		{UserID: "ream", Kind: OpList, Wildcard: "e", Page: 1},
		{UserID: "ream", Kind: OpLogs, Wildcard: "", Page: 0},
	}
	for _, want := range cases {
		line, err := EncodeOp(want)
		if err != nil {
			t.Fatalf("EncodeOp(%+v): %v", want, err)
		}
		got, err := DecodeOp(line)
		if err != nil {
			t.Fatalf("DecodeOp(%q): %v", line, err)
		}
		if !reflect.DeepEqual(got, want) {
			t.Errorf("round-trip mismatch: got %+v want %+v (wire: %q)", got, want, line)
		}
	}
}

func TestResponseRoundTrip(t *testing.T) {
	cases := []Response{
		{UserID: "ream", Kind: RespBasic, OK: true, Error: ""},
		{UserID: "ream", Kind: RespBasic, OK: false, Error: "user does not exist"},
		{UserID: "ream", Kind: RespList, OK: true, Accounts: []string{"ream", "mark", "achele", "joe"}},
		{UserID: "ream", Kind: RespList, OK: true, Accounts: nil},
		{
			UserID: "mark", Kind: RespLogs, OK: true,
			Messages: []Chat{{Author: "ream", Recipient: "mark", Text: "hi"}, {Author: "joe", Recipient: "mark", Text: "yo"}},
		},
		{UserID: "mark", Kind: RespLogs, OK: true, Messages: nil},
		{UserID: "mark", Kind: RespNotif, OK: true, Chat: Chat{Author: "ream", Recipient: "mark", Text: "hi"}},
		{UserID: "mark", Kind: RespNotif, OK: false, Error: "empty-queue"},
	}
	for _, want := range cases {
		line, err := EncodeResponse(want)
		if err != nil {
			t.Fatalf("EncodeResponse(%+v): %v", want, err)
		}
		got, err := DecodeResponse(line)
		if err != nil {
			t.Fatalf("DecodeResponse(%q): %v", line, err)
		}
		if !reflect.DeepEqual(got, want) {
			t.Errorf("round-trip mismatch: got %+v want %+v (wire: %q)", got, want, line)
		}
	}
}

func TestDecodeOpMalformed(t *testing.T) {
	bad := []string{
		"",
		"ream",
		"ream@@send@@mark", // send needs 4 fields
		"ream@@list@@e@@notanumber",
		"ream@@bogus",
	}
	for _, line := range bad {
		if _, err := DecodeOp(line); err == nil {
			t.Errorf("DecodeOp(%q): expected error, got nil", line)
		}
	}
}

func TestDecodeResponseMalformed(t *testing.T) {
	bad := []string{
		"",
		"ream@@basic@@Maybe@@oops",
		"ream@@list@@True",
	}
	for _, line := range bad {
		if _, err := DecodeResponse(line); err == nil {
			t.Errorf("DecodeResponse(%q): expected error, got nil", line)
		}
	}
}

func TestEncodeRejectsForbiddenSeparators(t *testing.T) {
	if _, err := EncodeOp(Op{UserID: "re@@am", Kind: OpCreate}); err != ErrForbiddenSeparator {
		t.Errorf("expected ErrForbiddenSeparator, got %v", err)
	}
	if _, err := EncodeOp(Op{UserID: "ream", Kind: OpSend, RecipientID: "mark", Text: "a##b"}); err != ErrForbiddenSeparator {
		t.Errorf("expected ErrForbiddenSeparator, got %v", err)
	}
}
