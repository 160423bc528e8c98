package auth

import (
	"testing"
	"time"
)

func TestIssueAndParse(t *testing.T) {
	token, err := Issue("reader-1", "ORG1", "ams-checkin", "unit-key", time.Minute)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	claims, err := Parse(token.Value, "unit-key", "ams-checkin")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if claims.DeviceID != "reader-1" || claims.EntityID != "ORG1" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
}

func TestParseRejects(t *testing.T) {
	token, _ := Issue("reader-1", "ORG1", "ams-checkin", "unit-key", time.Minute)

	if _, err := Parse(token.Value, "other-key", "ams-checkin"); err == nil {
		t.Fatal("wrong key accepted")
	}
	if _, err := Parse(token.Value, "unit-key", "someone-else"); err == nil {
		t.Fatal("wrong issuer accepted")
	}

	expired, _ := Issue("reader-1", "ORG1", "ams-checkin", "unit-key", -time.Minute)
	if _, err := Parse(expired.Value, "unit-key", "ams-checkin"); err == nil {
		t.Fatal("expired token accepted")
	}
}
