package protocol

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestCategoryOf(t *testing.T) {
	cases := []struct {
		typ  Type
		want Category
	}{
		{TypeHandshake, CategoryControl},
		{TypeAck, CategoryControl},
		{TypeJoinTeam, CategoryState},
		{TypeBuzzerState, CategoryState},
		{TypeTeamsSync, CategorySync},
		{TypeCommandsSync, CategorySync},
		{TypeBuzz, CategoryEvent},
	}
	for _, tc := range cases {
		got, ok := CategoryOf(tc.typ)
		if !ok || got != tc.want {
			t.Fatalf("CategoryOf(%s) = %q,%v want %q", tc.typ, got, ok, tc.want)
		}
	}
	if _, ok := CategoryOf("SOMETHING_ELSE"); ok {
		t.Fatalf("unknown type must not have a category")
	}
}

func TestParseKeepsUnknownTypes(t *testing.T) {
	m, err := Parse([]byte(`{"type":"FUTURE_THING","payload":{"x":1}}`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if Known(m.Type) {
		t.Fatalf("FUTURE_THING reported as known")
	}
	if m.Category() != "" {
		t.Fatalf("unknown category = %q", m.Category())
	}
}

func TestParseRejectsMissingType(t *testing.T) {
	if _, err := Parse([]byte(`{"payload":{}}`)); !errors.Is(err, ErrMalformed) {
		t.Fatalf("want ErrMalformed, got %v", err)
	}
	if _, err := Parse([]byte(`not json`)); !errors.Is(err, ErrMalformed) {
		t.Fatalf("want ErrMalformed, got %v", err)
	}
}

func TestRoundTripHandshake(t *testing.T) {
	in := MustNew(TypeHandshake, Handshake{PersistentID: "p1", DisplayName: "Ann", ProtocolVersion: Version})
	in.ID = "m-1"
	raw, err := Encode(in)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	out, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	var hs Handshake
	if err := out.Decode(&hs); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if out.ID != "m-1" || hs.PersistentID != "p1" || hs.ProtocolVersion != Version {
		t.Fatalf("unexpected round trip: %+v %+v", out, hs)
	}
}

func TestDecodeEmptyPayload(t *testing.T) {
	m := Message{Type: TypeJoinTeam}
	var jt JoinTeam
	if err := m.Decode(&jt); !errors.Is(err, ErrMalformed) {
		t.Fatalf("want ErrMalformed, got %v", err)
	}
}

func TestNewFrameRawPayload(t *testing.T) {
	inner := []byte(`{"type":"BUZZ"}`)
	f, err := NewFrame(SignalRelay, "c1", "h1", inner)
	if err != nil {
		t.Fatalf("NewFrame: %v", err)
	}
	if string(f.Payload) != string(inner) {
		t.Fatalf("payload rewritten: %s", f.Payload)
	}
}

func TestRelayPayloadCarriesAnyBytes(t *testing.T) {
	for _, in := range [][]byte{[]byte("not json"), {0xff, 0x00, 0xfe}, []byte(`{"type":"BUZZ"}`), {}} {
		f, err := NewFrame(SignalRelay, "h1", "c1", RelayPayload(in))
		if err != nil {
			t.Fatalf("NewFrame(%q): %v", in, err)
		}
		wire, err := json.Marshal(f)
		if err != nil {
			t.Fatalf("frame with %q does not marshal: %v", in, err)
		}
		var back Frame
		if err := json.Unmarshal(wire, &back); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		got, err := DecodeRelayPayload(back.Payload)
		if err != nil {
			t.Fatalf("DecodeRelayPayload: %v", err)
		}
		if string(got) != string(in) {
			t.Fatalf("payload %q came back as %q", in, got)
		}
	}
	if _, err := DecodeRelayPayload(json.RawMessage(`{"type":"BUZZ"}`)); !errors.Is(err, ErrMalformed) {
		t.Fatalf("want ErrMalformed, got %v", err)
	}
}
