// Package checkin wires the four identity channels, the session
// locator and the attendance ledger into one dispatch surface, and
// maps domain errors onto the API error shape.
package checkin

import (
	"context"
	"encoding/base64"
	"log"
	"strings"
	"time"

	"ams/internal/audit"
	"ams/internal/identity"
	"ams/internal/ledger"
	"ams/internal/model"
	"ams/internal/qrtoken"
	"ams/internal/session"
)

// Metrics receives dispatch outcomes. Implementations must be safe for
// concurrent use.
type Metrics interface {
	CheckIn(method model.Method, action ledger.Action)
	Rejection(method model.Method, code string)
	MatcherLatency(ms int64)
}

type nopMetrics struct{}

func (nopMetrics) CheckIn(model.Method, ledger.Action) {}
func (nopMetrics) Rejection(model.Method, string)      {}
func (nopMetrics) MatcherLatency(int64)                {}

// SnapshotQueue hands recognition snapshots to the background worker.
type SnapshotQueue interface {
	EnqueueSnapshot(ctx context.Context, job audit.SnapshotJob) error
}

// Engine dispatches check-in events. Each channel method resolves
// identity, locates the target session, applies its cross-session
// policy and funnels into the same ledger transition.
type Engine struct {
	cards   *identity.CardResolver
	qr      *identity.QRResolver
	wifi    *identity.WiFiResolver
	face    *identity.FaceResolver
	locator *session.Locator
	ledger  *ledger.Ledger
	signer  *qrtoken.Signer
	queue   SnapshotQueue
	metrics Metrics
}

// Config collects the engine's collaborators. Queue and Metrics may be
// nil; snapshot archival and instrumentation are then skipped.
type Config struct {
	Cards   *identity.CardResolver
	QR      *identity.QRResolver
	WiFi    *identity.WiFiResolver
	Face    *identity.FaceResolver
	Locator *session.Locator
	Ledger  *ledger.Ledger
	Signer  *qrtoken.Signer
	Queue   SnapshotQueue
	Metrics Metrics
}

func NewEngine(cfg Config) *Engine {
	m := cfg.Metrics
	if m == nil {
		m = nopMetrics{}
	}
	return &Engine{
		cards:   cfg.Cards,
		qr:      cfg.QR,
		wifi:    cfg.WiFi,
		face:    cfg.Face,
		locator: cfg.Locator,
		ledger:  cfg.Ledger,
		signer:  cfg.Signer,
		queue:   cfg.Queue,
		metrics: m,
	}
}

// Response is the success shape shared by all channels.
type Response struct {
	Action           string        `json:"action"`
	Message          string        `json:"message"`
	AttendanceID     string        `json:"attendanceId"`
	SessionID        string        `json:"sessionId"`
	SessionName      string        `json:"session"`
	Time             time.Time     `json:"time"`
	CheckInMethod    model.Method  `json:"checkInMethod"`
	CheckOutMethod   *model.Method `json:"checkOutMethod,omitempty"`
	SubscriberID     string        `json:"subscriberId"`
	SubscriberName   string        `json:"subscriberName"`
	NetworkName      string        `json:"networkName,omitempty"`
	ConfidenceScore  *float64      `json:"confidenceScore,omitempty"`
	ProcessingTimeMs int64         `json:"processingTimeMs,omitempty"`
}

// CardScanRequest is a proximity-card tap. The organization comes from
// card ownership, so the request carries no entity id.
type CardScanRequest struct {
	CardUID    string
	DeviceInfo string
}

// CardScan handles the tap-in/tap-out channel. Cards target the best
// active session automatically and skip the cross-session rule.
func (e *Engine) CardScan(ctx context.Context, req CardScanRequest) (Response, error) {
	verified, err := e.cards.Resolve(ctx, req.CardUID)
	if err != nil {
		return Response{}, e.reject(model.MethodNFC, err)
	}
	target, err := e.locator.Locate(ctx, verified.EntityID, model.MethodNFC, "")
	if err != nil {
		return Response{}, e.reject(model.MethodNFC, err)
	}
	res, err := e.ledger.Apply(ctx, verified.SubscriberID, target, ledger.Evidence{
		Method:     model.MethodNFC,
		DeviceInfo: req.DeviceInfo,
	}, ledger.AllowConcurrentSessions)
	if err != nil {
		return Response{}, e.reject(model.MethodNFC, err)
	}
	e.metrics.CheckIn(model.MethodNFC, res.Action)
	return e.respond(res, target, verified), nil
}

// QRRequest is a scanned session token submitted from a mobile client.
type QRRequest struct {
	MobileNumber string
	EntityID     string
	Token        string
	DeviceInfo   string
}

// QRCheckIn handles the QR channel. The token names the target session;
// the subscriber comes from mobile number + organization. QR is
// exclusive across sessions.
func (e *Engine) QRCheckIn(ctx context.Context, req QRRequest) (Response, error) {
	verified, token, payload, err := e.qr.Resolve(ctx, req.MobileNumber, req.EntityID, req.Token)
	if err != nil {
		return Response{}, e.reject(model.MethodQR, err)
	}
	if payload.SessionID == "" {
		return Response{}, e.reject(model.MethodQR, identity.ErrTokenInvalid)
	}
	target, err := e.locator.Locate(ctx, req.EntityID, model.MethodQR, payload.SessionID)
	if err != nil {
		return Response{}, e.reject(model.MethodQR, err)
	}
	if !e.signer.Validate(token, target) {
		return Response{}, e.reject(model.MethodQR, identity.ErrTokenInvalid)
	}
	res, err := e.ledger.Apply(ctx, verified.SubscriberID, target, ledger.Evidence{
		Method:     model.MethodQR,
		DeviceInfo: req.DeviceInfo,
	}, ledger.ExclusiveAcrossSessions)
	if err != nil {
		return Response{}, e.reject(model.MethodQR, err)
	}
	e.metrics.CheckIn(model.MethodQR, res.Action)
	return e.respond(res, target, verified), nil
}

// WiFiRequest is a network-presence claim. SessionID is optional; when
// empty the locator picks the best active session accepting WiFi.
type WiFiRequest struct {
	MobileNumber string
	EntityID     string
	NetworkName  string
	SessionID    string
	DeviceInfo   string
}

// WiFiCheckIn handles the network-proof channel. WiFi is exclusive
// across sessions, and an explicitly named session must have the
// channel enabled.
func (e *Engine) WiFiCheckIn(ctx context.Context, req WiFiRequest) (Response, error) {
	verified, err := e.wifi.Resolve(ctx, req.MobileNumber, req.EntityID, req.NetworkName)
	if err != nil {
		return Response{}, e.reject(model.MethodWiFi, err)
	}
	target, err := e.locator.Locate(ctx, req.EntityID, model.MethodWiFi, req.SessionID)
	if err != nil {
		return Response{}, e.reject(model.MethodWiFi, err)
	}
	// The auto path already filters by channel; the explicit path does
	// not, so check here.
	if req.SessionID != "" && !target.Allows(model.MethodWiFi) {
		return Response{}, e.reject(model.MethodWiFi, ErrMethodNotAllowed)
	}
	res, err := e.ledger.Apply(ctx, verified.SubscriberID, target, ledger.Evidence{
		Method:       model.MethodWiFi,
		DeviceInfo:   req.DeviceInfo,
		LocationInfo: "WIFI:" + req.NetworkName,
	}, ledger.ExclusiveAcrossSessions)
	if err != nil {
		return Response{}, e.reject(model.MethodWiFi, err)
	}
	e.metrics.CheckIn(model.MethodWiFi, res.Action)
	resp := e.respond(res, target, verified)
	resp.NetworkName = req.NetworkName
	return resp, nil
}

// FaceRequest is a kiosk-submitted image targeting a named session.
type FaceRequest struct {
	SessionID   string
	EntityID    string
	ImageBase64 string
	DeviceInfo  string
}

// FaceCheckIn handles the biometric channel. Every attempt lands in the
// recognition audit log whatever the outcome; matched attempts also get
// their snapshot archived in the background. Face skips the
// cross-session rule like the card channel.
func (e *Engine) FaceCheckIn(ctx context.Context, req FaceRequest) (Response, error) {
	image, err := decodeImage(req.ImageBase64)
	if err != nil {
		return Response{}, e.reject(model.MethodFace, err)
	}
	target, err := e.locator.Locate(ctx, req.EntityID, model.MethodFace, req.SessionID)
	if err != nil {
		return Response{}, e.reject(model.MethodFace, err)
	}
	if !target.ActiveAt(time.Now()) {
		return Response{}, e.reject(model.MethodFace, ErrSessionNotActive)
	}

	resolution, resolveErr := e.face.Resolve(ctx, target.ID, req.EntityID, image, req.DeviceInfo)
	e.metrics.MatcherLatency(resolution.Match.ProcessingTimeMs)
	e.enqueueSnapshot(ctx, resolution.AuditID, req.EntityID, req.ImageBase64)
	if resolveErr != nil {
		return Response{}, e.reject(model.MethodFace, resolveErr)
	}

	res, err := e.ledger.Apply(ctx, resolution.Verified.SubscriberID, target, ledger.Evidence{
		Method:     model.MethodFace,
		DeviceInfo: req.DeviceInfo,
	}, ledger.AllowConcurrentSessions)
	if err != nil {
		return Response{}, e.reject(model.MethodFace, err)
	}
	e.metrics.CheckIn(model.MethodFace, res.Action)

	resp := e.respond(res, target, resolution.Verified)
	confidence := resolution.Match.Confidence
	resp.ConfidenceScore = &confidence
	resp.ProcessingTimeMs = resolution.Match.ProcessingTimeMs
	return resp, nil
}

// ManualCheckout force-closes an entry on behalf of an organization
// operator.
func (e *Engine) ManualCheckout(ctx context.Context, entryID, entityID string) (Response, error) {
	res, err := e.ledger.ManualCheckout(ctx, entryID, entityID)
	if err != nil {
		return Response{}, e.reject(model.MethodManual, err)
	}
	e.metrics.CheckIn(model.MethodManual, res.Action)
	return Response{
		Action:         string(res.Action),
		Message:        "Checked out",
		AttendanceID:   res.Entry.ID,
		SessionID:      res.Entry.SessionID,
		Time:           *res.Entry.CheckOutTime,
		CheckInMethod:  res.Entry.CheckInMethod,
		CheckOutMethod: res.Entry.CheckOutMethod,
		SubscriberID:   res.Entry.SubscriberID,
	}, nil
}

func (e *Engine) respond(res ledger.Result, target model.Session, verified identity.Verified) Response {
	resp := Response{
		Action:         string(res.Action),
		AttendanceID:   res.Entry.ID,
		SessionID:      target.ID,
		SessionName:    target.Name,
		CheckInMethod:  res.Entry.CheckInMethod,
		CheckOutMethod: res.Entry.CheckOutMethod,
		SubscriberID:   verified.SubscriberID,
		SubscriberName: verified.SubscriberName,
	}
	switch res.Action {
	case ledger.ActionCheckIn:
		resp.Message = "Checked in to " + target.Name
		resp.Time = res.Entry.CheckInTime
	default:
		resp.Message = "Checked out from " + target.Name
		resp.Time = *res.Entry.CheckOutTime
	}
	return resp
}

// reject counts the rejection and passes the error through unchanged.
func (e *Engine) reject(method model.Method, err error) error {
	e.metrics.Rejection(method, AsError(err).Code)
	return err
}

func (e *Engine) enqueueSnapshot(ctx context.Context, auditID, entityID, imageBase64 string) {
	if e.queue == nil || auditID == "" || imageBase64 == "" {
		return
	}
	job := audit.SnapshotJob{
		AuditID:     auditID,
		EntityID:    entityID,
		ImageBase64: imageBase64,
		AttemptedAt: time.Now(),
	}
	if err := e.queue.EnqueueSnapshot(ctx, job); err != nil {
		// Archival is best effort; the audit row already exists.
		log.Printf("enqueue snapshot for audit %s: %v", auditID, err)
	}
}

// decodeImage accepts plain base64 or a data URI and returns the raw
// bytes.
func decodeImage(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if i := strings.Index(s, ";base64,"); i >= 0 {
		s = s[i+len(";base64,"):]
	}
	if s == "" {
		return nil, ErrImageInvalid
	}
	image, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, ErrImageInvalid
	}
	return image, nil
}
