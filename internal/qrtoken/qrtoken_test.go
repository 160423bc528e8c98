package qrtoken

import (
	"encoding/base64"
	"strings"
	"testing"
	"time"

	"ams/internal/model"
)

func testSession() model.Session {
	return model.Session{
		ID:        "b9f9c1e2-8a34-4a7e-9d41-2f60f6f0a111",
		EntityID:  "CHU100",
		Name:      "Morning Service",
		StartTime: time.Date(2025, 3, 9, 9, 0, 0, 0, time.UTC),
	}
}

func TestGenerateValidateRoundTrip(t *testing.T) {
	s := New("unit-secret", "ams://checkin?qr=")
	session := testSession()

	token, err := s.Generate(session)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if !s.Validate(token, session) {
		t.Fatal("freshly generated token did not validate")
	}
}

func TestValidateRejectsEndedSession(t *testing.T) {
	s := New("unit-secret", "")
	session := testSession()

	token, err := s.Generate(session)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	ended := time.Now()
	session.EndTime = &ended
	if s.Validate(token, session) {
		t.Fatal("token validated against an ended session")
	}
}

func TestValidateRejectsTamperedHash(t *testing.T) {
	s := New("unit-secret", "")
	session := testSession()

	token, err := s.Generate(session)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	decoded, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	// Flip one character inside the hash segment.
	raw := []byte(decoded)
	last := len(raw) - 1
	if raw[last] == 'A' {
		raw[last] = 'B'
	} else {
		raw[last] = 'A'
	}
	tampered := base64.StdEncoding.EncodeToString(raw)

	if s.Validate(tampered, session) {
		t.Fatal("tampered token validated")
	}
}

func TestValidateRejectsWrongSession(t *testing.T) {
	s := New("unit-secret", "")
	session := testSession()

	token, err := s.Generate(session)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	other := session
	other.ID = "0e2f54a7-1111-4a7e-9d41-2f60f6f0a222"
	if s.Validate(token, other) {
		t.Fatal("token validated against a different session")
	}

	foreign := session
	foreign.EntityID = "CHU999"
	if s.Validate(token, foreign) {
		t.Fatal("token validated against a different organization")
	}
}

func TestNormalizeVariants(t *testing.T) {
	s := New("unit-secret", "ams://checkin?qr=")
	session := testSession()

	token, err := s.Generate(session)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	cases := map[string]string{
		"raw":        token,
		"deep link":  "ams://checkin?qr=" + token,
		"re-decoded": base64.StdEncoding.EncodeToString([]byte(token)),
	}
	decodedPayload, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	cases["pre-decoded"] = string(decodedPayload)

	for name, input := range cases {
		got, ok := s.Normalize(input)
		if !ok {
			t.Fatalf("%s variant not normalized", name)
		}
		if got != token {
			t.Fatalf("%s variant normalized to %q, want canonical token", name, got)
		}
		if !s.Validate(got, session) {
			t.Fatalf("%s variant did not validate after normalization", name)
		}
	}
}

func TestNormalizeRejectsGarbage(t *testing.T) {
	s := New("unit-secret", "")
	for _, input := range []string{"", "not a token", base64.StdEncoding.EncodeToString([]byte("a:b:c"))} {
		if _, ok := s.Normalize(input); ok {
			t.Fatalf("normalized garbage input %q", input)
		}
	}
}

func TestPayloadHasNoColonCollisions(t *testing.T) {
	s := New("unit-secret", "")
	session := testSession()

	token, err := s.Generate(session)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	decoded, _ := base64.StdEncoding.DecodeString(token)
	if got := len(strings.Split(string(decoded), ":")); got != 5 {
		t.Fatalf("payload split into %d fields, want 5", got)
	}

	p, ok := Decode(token)
	if !ok {
		t.Fatal("decode failed")
	}
	if p.SessionID != session.ID || p.EntityID != session.EntityID {
		t.Fatalf("decoded payload mismatch: %+v", p)
	}
	if p.StartTime != FormatStartTime(session.StartTime) {
		t.Fatalf("start time field %q, want %q", p.StartTime, FormatStartTime(session.StartTime))
	}
	if len(p.Nonce) != 8 {
		t.Fatalf("nonce length %d, want 8", len(p.Nonce))
	}
}
