package checkin

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"testing"
	"time"

	"ams/internal/audit"
	"ams/internal/faceclient"
	"ams/internal/identity"
	"ams/internal/ledger"
	"ams/internal/model"
	"ams/internal/qrtoken"
	"ams/internal/session"
)

// world is an in-memory backend covering every store interface the
// engine's collaborators need.
type world struct {
	cards       map[string]model.IdentityCard
	subscribers map[string]model.Subscriber
	sessions    map[string]model.Session
	entries     map[string]model.LogEntry
	audits      []model.RecognitionLog
	entrySeq    int
}

func newWorld(sessions ...model.Session) *world {
	w := &world{
		cards: map[string]model.IdentityCard{
			"EF56": {UID: "EF56", Active: true, SubscriberID: ptr("sub-1"), EntityID: "ORG1"},
		},
		subscribers: map[string]model.Subscriber{
			"sub-1": {ID: "sub-1", EntityID: "ORG1", FirstName: "Asha", LastName: "Rao", MobileNumber: "5550100"},
		},
		sessions: map[string]model.Session{},
		entries:  map[string]model.LogEntry{},
	}
	for _, s := range sessions {
		w.sessions[s.ID] = s
	}
	return w
}

func ptr(s string) *string { return &s }

func (w *world) CardByUID(_ context.Context, uid string) (*model.IdentityCard, error) {
	if c, ok := w.cards[uid]; ok {
		return &c, nil
	}
	return nil, nil
}

func (w *world) SubscriberByID(_ context.Context, id string) (*model.Subscriber, error) {
	if s, ok := w.subscribers[id]; ok {
		return &s, nil
	}
	return nil, nil
}

func (w *world) SubscriberByMobile(_ context.Context, mobile, entityID string) (*model.Subscriber, error) {
	for _, s := range w.subscribers {
		if s.MobileNumber == mobile && s.EntityID == entityID {
			sub := s
			return &sub, nil
		}
	}
	return nil, nil
}

func (w *world) SessionByID(_ context.Context, id string) (*model.Session, error) {
	if s, ok := w.sessions[id]; ok {
		return &s, nil
	}
	return nil, nil
}

func (w *world) ActiveSessions(_ context.Context, entityID string) ([]model.Session, error) {
	var out []model.Session
	now := time.Now()
	for _, s := range w.sessions {
		if s.EntityID == entityID && s.ActiveAt(now) {
			out = append(out, s)
		}
	}
	return out, nil
}

func (w *world) OpenEntry(_ context.Context, subscriberID, sessionID string) (*model.LogEntry, error) {
	for _, e := range w.entries {
		if e.SubscriberID == subscriberID && e.SessionID == sessionID && e.CheckOutTime == nil {
			entry := e
			return &entry, nil
		}
	}
	return nil, nil
}

func (w *world) HasCompletedEntry(_ context.Context, subscriberID, sessionID string) (bool, error) {
	for _, e := range w.entries {
		if e.SubscriberID == subscriberID && e.SessionID == sessionID && e.CheckOutTime != nil {
			return true, nil
		}
	}
	return false, nil
}

func (w *world) OpenEntryAnywhere(_ context.Context, subscriberID string) (*model.LogEntry, *model.Session, error) {
	for _, e := range w.entries {
		if e.SubscriberID == subscriberID && e.CheckOutTime == nil {
			entry := e
			if s, ok := w.sessions[entry.SessionID]; ok {
				return &entry, &s, nil
			}
			return &entry, nil, nil
		}
	}
	return nil, nil, nil
}

func (w *world) InsertEntry(_ context.Context, entry model.LogEntry) (model.LogEntry, error) {
	w.entrySeq++
	w.entries[entry.ID] = entry
	return entry, nil
}

func (w *world) CloseEntry(_ context.Context, entryID string, at time.Time, method model.Method) error {
	e := w.entries[entryID]
	e.CheckOutTime = &at
	e.CheckOutMethod = &method
	w.entries[entryID] = e
	return nil
}

func (w *world) EntryByID(_ context.Context, id string) (*model.LogEntry, error) {
	if e, ok := w.entries[id]; ok {
		entry := e
		return &entry, nil
	}
	return nil, nil
}

func (w *world) AppendRecognition(_ context.Context, entry model.RecognitionLog) (model.RecognitionLog, error) {
	entry.ID = "audit-1"
	w.audits = append(w.audits, entry)
	return entry, nil
}

type fakeMatcher struct {
	result faceclient.Result
	err    error
}

func (m *fakeMatcher) Match(context.Context, []byte, string) (faceclient.Result, error) {
	return m.result, m.err
}

type fakeQueue struct {
	jobs []audit.SnapshotJob
}

func (q *fakeQueue) EnqueueSnapshot(_ context.Context, job audit.SnapshotJob) error {
	q.jobs = append(q.jobs, job)
	return nil
}

func newTestEngine(w *world, matcher identity.Matcher, queue SnapshotQueue) (*Engine, *qrtoken.Signer) {
	signer := qrtoken.New("unit-secret", "ams://checkin?qr=")
	if matcher == nil {
		matcher = &fakeMatcher{result: faceclient.Result{Success: true, Matched: true, SubscriberID: "sub-1", Confidence: 0.9, ProcessingTimeMs: 20}}
	}
	return NewEngine(Config{
		Cards:   identity.NewCardResolver(w),
		QR:      identity.NewQRResolver(w, signer),
		WiFi:    identity.NewWiFiResolver(w, identity.NewNetworkAuthorizer([]string{"office"})),
		Face:    identity.NewFaceResolver(matcher, w, w, 0.5, nil),
		Locator: session.NewLocator(w, nil),
		Ledger:  ledger.New(w, nil),
		Signer:  signer,
		Queue:   queue,
	}), signer
}

func openSessions() (model.Session, model.Session) {
	started := time.Now().Add(-time.Hour)
	s1 := model.Session{ID: "s1", EntityID: "ORG1", Name: "Morning Shift", StartTime: started,
		AllowedMethods: []model.Method{model.MethodNFC, model.MethodQR, model.MethodWiFi, model.MethodFace}}
	s2 := model.Session{ID: "s2", EntityID: "ORG1", Name: "Evening Shift", StartTime: started.Add(30 * time.Minute),
		AllowedMethods: []model.Method{model.MethodNFC, model.MethodQR}}
	return s1, s2
}

func TestCardScanRoundTrip(t *testing.T) {
	s1, _ := openSessions()
	e, _ := newTestEngine(newWorld(s1), nil, nil)
	ctx := context.Background()

	first, err := e.CardScan(ctx, CardScanRequest{CardUID: "EF56", DeviceInfo: "reader-1"})
	if err != nil {
		t.Fatalf("first tap: %v", err)
	}
	if first.Action != "CHECK_IN" || first.SessionID != "s1" || first.SubscriberName != "Asha Rao" {
		t.Fatalf("unexpected response: %+v", first)
	}

	second, err := e.CardScan(ctx, CardScanRequest{CardUID: "EF56"})
	if err != nil {
		t.Fatalf("second tap: %v", err)
	}
	if second.Action != "CHECK_OUT" || second.CheckOutMethod == nil || *second.CheckOutMethod != model.MethodNFC {
		t.Fatalf("unexpected response: %+v", second)
	}
}

func TestCardScanPicksLatestSession(t *testing.T) {
	s1, s2 := openSessions()
	e, _ := newTestEngine(newWorld(s1, s2), nil, nil)

	resp, err := e.CardScan(context.Background(), CardScanRequest{CardUID: "EF56"})
	if err != nil {
		t.Fatalf("tap: %v", err)
	}
	if resp.SessionID != "s2" {
		t.Fatalf("targeted session %s, want the later-starting s2", resp.SessionID)
	}
}

func TestCardScanNoActiveSession(t *testing.T) {
	e, _ := newTestEngine(newWorld(), nil, nil)

	_, err := e.CardScan(context.Background(), CardScanRequest{CardUID: "EF56"})
	if !errors.Is(err, session.ErrNoActive) {
		t.Fatalf("no sessions: got %v, want ErrNoActive", err)
	}
	if apiErr := AsError(err); apiErr.Code != "NO_ACTIVE_SESSION" || apiErr.Status != http.StatusNotFound {
		t.Fatalf("mapping: %+v", apiErr)
	}
}

func TestQRCheckIn(t *testing.T) {
	s1, _ := openSessions()
	w := newWorld(s1)
	e, signer := newTestEngine(w, nil, nil)
	ctx := context.Background()

	token, err := signer.Generate(s1)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	resp, err := e.QRCheckIn(ctx, QRRequest{MobileNumber: "5550100", EntityID: "ORG1", Token: token})
	if err != nil {
		t.Fatalf("qr check-in: %v", err)
	}
	if resp.Action != "CHECK_IN" || resp.SessionID != "s1" || resp.CheckInMethod != model.MethodQR {
		t.Fatalf("unexpected response: %+v", resp)
	}

	// The deep-link wrapped form resolves to the same session.
	resp, err = e.QRCheckIn(ctx, QRRequest{MobileNumber: "5550100", EntityID: "ORG1", Token: "ams://checkin?qr=" + token})
	if err != nil {
		t.Fatalf("deep-link check-in: %v", err)
	}
	if resp.Action != "CHECK_OUT" {
		t.Fatalf("action %s, want CHECK_OUT", resp.Action)
	}
}

func TestQRCheckInCrossOrganization(t *testing.T) {
	s1, _ := openSessions()
	foreign := model.Session{ID: "f1", EntityID: "ORG2", Name: "Other", StartTime: s1.StartTime,
		AllowedMethods: []model.Method{model.MethodQR}}
	w := newWorld(s1, foreign)
	e, signer := newTestEngine(w, nil, nil)

	token, _ := signer.Generate(foreign)
	_, err := e.QRCheckIn(context.Background(), QRRequest{MobileNumber: "5550100", EntityID: "ORG1", Token: token})
	if apiErr := AsError(err); apiErr.Code != "SESSION_FORBIDDEN" || apiErr.Status != http.StatusForbidden {
		t.Fatalf("cross-org token: got %+v", apiErr)
	}
}

func TestQRCheckInRejectsTamperedToken(t *testing.T) {
	s1, _ := openSessions()
	e, signer := newTestEngine(newWorld(s1), nil, nil)

	token, _ := signer.Generate(s1)
	decoded, _ := base64.StdEncoding.DecodeString(token)
	raw := []byte(string(decoded))
	raw[len(raw)-1] ^= 0x01
	tampered := base64.StdEncoding.EncodeToString(raw)

	_, err := e.QRCheckIn(context.Background(), QRRequest{MobileNumber: "5550100", EntityID: "ORG1", Token: tampered})
	if !errors.Is(err, identity.ErrTokenInvalid) {
		t.Fatalf("tampered token: got %v, want ErrTokenInvalid", err)
	}
}

func TestQRExclusiveAcrossSessions(t *testing.T) {
	s1, s2 := openSessions()
	w := newWorld(s1, s2)
	e, signer := newTestEngine(w, nil, nil)
	ctx := context.Background()

	t1, _ := signer.Generate(s1)
	if _, err := e.QRCheckIn(ctx, QRRequest{MobileNumber: "5550100", EntityID: "ORG1", Token: t1}); err != nil {
		t.Fatalf("open in s1: %v", err)
	}

	t2, _ := signer.Generate(s2)
	_, err := e.QRCheckIn(ctx, QRRequest{MobileNumber: "5550100", EntityID: "ORG1", Token: t2})
	apiErr := AsError(err)
	if apiErr.Code != "CHECKOUT_FIRST" || apiErr.Status != http.StatusConflict {
		t.Fatalf("second session: got %+v", apiErr)
	}
	if apiErr.Details["conflictingSessionName"] != "Morning Shift" {
		t.Fatalf("details %+v, want conflicting session named", apiErr.Details)
	}

	// The card channel is not subject to the rule: the tap lands in s2
	// while the s1 entry stays open.
	resp, err := e.CardScan(ctx, CardScanRequest{CardUID: "EF56"})
	if err != nil {
		t.Fatalf("card tap: %v", err)
	}
	if resp.Action != "CHECK_IN" || resp.SessionID != "s2" {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestWiFiCheckIn(t *testing.T) {
	s1, s2 := openSessions()
	e, _ := newTestEngine(newWorld(s1, s2), nil, nil)
	ctx := context.Background()

	// Auto-targeting skips s2: it does not accept WIFI.
	resp, err := e.WiFiCheckIn(ctx, WiFiRequest{MobileNumber: "5550100", EntityID: "ORG1", NetworkName: "Office-5G"})
	if err != nil {
		t.Fatalf("wifi check-in: %v", err)
	}
	if resp.SessionID != "s1" || resp.NetworkName != "Office-5G" {
		t.Fatalf("unexpected response: %+v", resp)
	}

	// Naming s2 explicitly fails the channel check.
	_, err = e.WiFiCheckIn(ctx, WiFiRequest{MobileNumber: "5550100", EntityID: "ORG1", NetworkName: "Office-5G", SessionID: "s2"})
	if !errors.Is(err, ErrMethodNotAllowed) {
		t.Fatalf("explicit s2: got %v, want ErrMethodNotAllowed", err)
	}
}

func TestFaceCheckIn(t *testing.T) {
	s1, _ := openSessions()
	w := newWorld(s1)
	queue := &fakeQueue{}
	e, _ := newTestEngine(w, nil, queue)
	image := base64.StdEncoding.EncodeToString([]byte("camera-frame"))

	resp, err := e.FaceCheckIn(context.Background(), FaceRequest{
		SessionID: "s1", EntityID: "ORG1", ImageBase64: image, DeviceInfo: "kiosk-7",
	})
	if err != nil {
		t.Fatalf("face check-in: %v", err)
	}
	if resp.Action != "CHECK_IN" || resp.SubscriberID != "sub-1" {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if resp.ConfidenceScore == nil || *resp.ConfidenceScore != 0.9 {
		t.Fatalf("confidence %v, want 0.9", resp.ConfidenceScore)
	}
	if len(w.audits) != 1 || w.audits[0].Status != model.RecognitionMatched {
		t.Fatalf("audit rows: %+v", w.audits)
	}
	if len(queue.jobs) != 1 || queue.jobs[0].AuditID != "audit-1" {
		t.Fatalf("snapshot jobs: %+v", queue.jobs)
	}
}

func TestFaceCheckInUnrecognizedStillAuditedAndArchived(t *testing.T) {
	s1, _ := openSessions()
	w := newWorld(s1)
	queue := &fakeQueue{}
	matcher := &fakeMatcher{result: faceclient.Result{Success: true, Matched: false, Confidence: 0.1}}
	e, _ := newTestEngine(w, matcher, queue)
	image := base64.StdEncoding.EncodeToString([]byte("camera-frame"))

	_, err := e.FaceCheckIn(context.Background(), FaceRequest{SessionID: "s1", EntityID: "ORG1", ImageBase64: image})
	if !errors.Is(err, identity.ErrFaceUnrecognized) {
		t.Fatalf("unmatched: got %v, want ErrFaceUnrecognized", err)
	}
	if len(w.audits) != 1 || w.audits[0].Status != model.RecognitionUnrecognized {
		t.Fatalf("audit rows: %+v", w.audits)
	}
	if len(queue.jobs) != 1 {
		t.Fatalf("snapshot jobs: %+v", queue.jobs)
	}
}

func TestFaceCheckInRejectsBadImage(t *testing.T) {
	s1, _ := openSessions()
	e, _ := newTestEngine(newWorld(s1), nil, nil)

	_, err := e.FaceCheckIn(context.Background(), FaceRequest{SessionID: "s1", EntityID: "ORG1", ImageBase64: "not base64!!"})
	if !errors.Is(err, ErrImageInvalid) {
		t.Fatalf("bad image: got %v, want ErrImageInvalid", err)
	}
}

func TestFaceCheckInNotYetStarted(t *testing.T) {
	future := model.Session{ID: "s3", EntityID: "ORG1", Name: "Tomorrow", StartTime: time.Now().Add(time.Hour),
		AllowedMethods: []model.Method{model.MethodFace}}
	e, _ := newTestEngine(newWorld(future), nil, nil)
	image := base64.StdEncoding.EncodeToString([]byte("frame"))

	_, err := e.FaceCheckIn(context.Background(), FaceRequest{SessionID: "s3", EntityID: "ORG1", ImageBase64: image})
	if !errors.Is(err, ErrSessionNotActive) {
		t.Fatalf("future session: got %v, want ErrSessionNotActive", err)
	}
}

func TestManualCheckout(t *testing.T) {
	s1, _ := openSessions()
	e, _ := newTestEngine(newWorld(s1), nil, nil)
	ctx := context.Background()

	opened, err := e.CardScan(ctx, CardScanRequest{CardUID: "EF56"})
	if err != nil {
		t.Fatalf("tap: %v", err)
	}

	resp, err := e.ManualCheckout(ctx, opened.AttendanceID, "ORG1")
	if err != nil {
		t.Fatalf("manual checkout: %v", err)
	}
	if resp.Action != "MANUAL_CHECK_OUT" || resp.CheckOutMethod == nil || *resp.CheckOutMethod != model.MethodManual {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestAsErrorUnknownIsInternal(t *testing.T) {
	apiErr := AsError(errors.New("pgx: connection refused"))
	if apiErr.Code != "INTERNAL" || apiErr.Status != http.StatusInternalServerError {
		t.Fatalf("unexpected mapping: %+v", apiErr)
	}
	if apiErr.Message != "Something went wrong, please try again" {
		t.Fatalf("internal details leaked: %q", apiErr.Message)
	}
}
