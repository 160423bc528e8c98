// Package identity turns raw check-in evidence (a card UID, a scanned
// QR token, a claimed WiFi network, a face image) into a verified
// subscriber. Each channel has its own resolver; all of them produce
// the same Verified value or a typed error.
package identity

import (
	"context"
	"errors"
	"strings"
	"time"

	"ams/internal/faceclient"
	"ams/internal/model"
	"ams/internal/qrtoken"
)

var (
	ErrCardNotFound        = errors.New("identity card not found")
	ErrCardInactive        = errors.New("identity card is inactive")
	ErrCardNotAssigned     = errors.New("identity card is not assigned to a subscriber")
	ErrSubscriberNotFound  = errors.New("subscriber not found")
	ErrTokenInvalid        = errors.New("invalid or expired QR token")
	ErrNetworkUnauthorized = errors.New("network is not authorized")
	ErrRecognitionFailed   = errors.New("face recognition failed")
	ErrFaceUnrecognized    = errors.New("face not recognized")
)

// Verified is the output of a successful resolution: who checked in
// and which organization they belong to.
type Verified struct {
	SubscriberID   string
	SubscriberName string
	EntityID       string
	Method         model.Method
}

// CardStore looks up cards and their owners.
type CardStore interface {
	CardByUID(ctx context.Context, uid string) (*model.IdentityCard, error)
	SubscriberByID(ctx context.Context, id string) (*model.Subscriber, error)
}

// SubscriberStore looks up subscribers by mobile number within an
// organization.
type SubscriberStore interface {
	SubscriberByMobile(ctx context.Context, mobileNumber, entityID string) (*model.Subscriber, error)
}

// CardResolver resolves proximity-card taps. The organization is
// derived from card ownership, never from the request.
type CardResolver struct {
	store CardStore
}

func NewCardResolver(store CardStore) *CardResolver {
	return &CardResolver{store: store}
}

// Resolve looks up the card and yields its owning subscriber.
func (r *CardResolver) Resolve(ctx context.Context, cardUID string) (Verified, error) {
	card, err := r.store.CardByUID(ctx, cardUID)
	if err != nil {
		return Verified{}, err
	}
	if card == nil {
		return Verified{}, ErrCardNotFound
	}
	if !card.Active {
		return Verified{}, ErrCardInactive
	}
	if card.SubscriberID == nil {
		return Verified{}, ErrCardNotAssigned
	}
	sub, err := r.store.SubscriberByID(ctx, *card.SubscriberID)
	if err != nil {
		return Verified{}, err
	}
	if sub == nil {
		return Verified{}, ErrCardNotAssigned
	}
	return Verified{
		SubscriberID:   sub.ID,
		SubscriberName: sub.FullName(),
		EntityID:       sub.EntityID,
		Method:         model.MethodNFC,
	}, nil
}

// QRResolver resolves QR scans. The subscriber is identified by mobile
// number + organization, not by the token; the token identifies the
// session and is validated against it by the dispatcher.
type QRResolver struct {
	subscribers SubscriberStore
	signer      *qrtoken.Signer
}

func NewQRResolver(subscribers SubscriberStore, signer *qrtoken.Signer) *QRResolver {
	return &QRResolver{subscribers: subscribers, signer: signer}
}

// Resolve normalizes the submitted token and resolves the subscriber.
// The returned payload carries the session the token binds to.
func (r *QRResolver) Resolve(ctx context.Context, mobileNumber, entityID, rawToken string) (Verified, string, qrtoken.Payload, error) {
	sub, err := r.subscribers.SubscriberByMobile(ctx, mobileNumber, entityID)
	if err != nil {
		return Verified{}, "", qrtoken.Payload{}, err
	}
	if sub == nil {
		return Verified{}, "", qrtoken.Payload{}, ErrSubscriberNotFound
	}

	token, ok := r.signer.Normalize(rawToken)
	if !ok {
		return Verified{}, "", qrtoken.Payload{}, ErrTokenInvalid
	}
	payload, _ := qrtoken.Decode(token)

	return Verified{
		SubscriberID:   sub.ID,
		SubscriberName: sub.FullName(),
		EntityID:       sub.EntityID,
		Method:         model.MethodQR,
	}, token, payload, nil
}

// NetworkAuthorizer decides whether a claimed WiFi network name counts
// as proof of presence. This is a weak authorization mechanism by
// design: an allow-list of substrings plus a deliberately permissive
// fallback that accepts any plausible name. Do not silently harden it;
// per-organization allow-lists are the intended production fix.
type NetworkAuthorizer struct {
	patterns []string
}

// disallowed characters for the permissive fallback.
const networkDisallowed = `<>"'&`

func NewNetworkAuthorizer(patterns []string) *NetworkAuthorizer {
	return &NetworkAuthorizer{patterns: patterns}
}

// Authorized reports whether the network name is acceptable.
func (a *NetworkAuthorizer) Authorized(networkName string) bool {
	name := strings.ToLower(strings.TrimSpace(networkName))
	if name == "" {
		return false
	}
	for _, pattern := range a.patterns {
		if strings.Contains(name, strings.ToLower(pattern)) {
			return true
		}
	}
	// Permissive fallback: any reasonably-named network passes.
	return len(name) > 2 && !strings.ContainsAny(name, networkDisallowed)
}

// WiFiResolver resolves network-proof check-ins.
type WiFiResolver struct {
	subscribers SubscriberStore
	authorizer  *NetworkAuthorizer
}

func NewWiFiResolver(subscribers SubscriberStore, authorizer *NetworkAuthorizer) *WiFiResolver {
	return &WiFiResolver{subscribers: subscribers, authorizer: authorizer}
}

// Resolve authorizes the claimed network and resolves the subscriber.
func (r *WiFiResolver) Resolve(ctx context.Context, mobileNumber, entityID, networkName string) (Verified, error) {
	sub, err := r.subscribers.SubscriberByMobile(ctx, mobileNumber, entityID)
	if err != nil {
		return Verified{}, err
	}
	if sub == nil {
		return Verified{}, ErrSubscriberNotFound
	}
	if !r.authorizer.Authorized(networkName) {
		return Verified{}, ErrNetworkUnauthorized
	}
	return Verified{
		SubscriberID:   sub.ID,
		SubscriberName: sub.FullName(),
		EntityID:       sub.EntityID,
		Method:         model.MethodWiFi,
	}, nil
}

// Matcher is the external biometric classifier. Treated as a black
// box; calls can be slow and must happen outside ledger locks.
type Matcher interface {
	Match(ctx context.Context, image []byte, entityID string) (faceclient.Result, error)
}

// AuditLog records every recognition attempt, successful or not.
type AuditLog interface {
	AppendRecognition(ctx context.Context, entry model.RecognitionLog) (model.RecognitionLog, error)
}

// FaceResolver resolves biometric check-ins through the external
// matcher, gated by a minimum confidence score.
type FaceResolver struct {
	matcher       Matcher
	store         CardStore // subscriber lookup only
	audit         AuditLog
	minConfidence float64
	now           func() time.Time
}

func NewFaceResolver(matcher Matcher, store CardStore, audit AuditLog, minConfidence float64, now func() time.Time) *FaceResolver {
	if now == nil {
		now = time.Now
	}
	return &FaceResolver{
		matcher:       matcher,
		store:         store,
		audit:         audit,
		minConfidence: minConfidence,
		now:           now,
	}
}

// Resolution carries the matcher outcome alongside the verified
// identity, including the audit row id for snapshot stamping.
type Resolution struct {
	Verified Verified
	Match    faceclient.Result
	AuditID  string
}

// Resolve runs the matcher and records the attempt to the audit log
// before returning, on every branch.
func (r *FaceResolver) Resolve(ctx context.Context, sessionID, entityID string, image []byte, deviceInfo string) (Resolution, error) {
	match, err := r.matcher.Match(ctx, image, entityID)
	if err != nil {
		auditID := r.record(ctx, sessionID, entityID, nil, model.RecognitionFailed, match, deviceInfo, err.Error())
		return Resolution{Match: match, AuditID: auditID}, ErrRecognitionFailed
	}
	if !match.Success {
		auditID := r.record(ctx, sessionID, entityID, nil, model.RecognitionFailed, match, deviceInfo, match.ErrorMessage)
		return Resolution{Match: match, AuditID: auditID}, ErrRecognitionFailed
	}
	if !match.Matched || match.Confidence < r.minConfidence {
		auditID := r.record(ctx, sessionID, entityID, nil, model.RecognitionUnrecognized, match, deviceInfo, "")
		return Resolution{Match: match, AuditID: auditID}, ErrFaceUnrecognized
	}

	sub, err := r.store.SubscriberByID(ctx, match.SubscriberID)
	if err != nil {
		return Resolution{Match: match}, err
	}
	if sub == nil {
		auditID := r.record(ctx, sessionID, entityID, nil, model.RecognitionFailed, match, deviceInfo, "matched subscriber not found")
		return Resolution{Match: match, AuditID: auditID}, ErrRecognitionFailed
	}

	auditID := r.record(ctx, sessionID, entityID, &sub.ID, model.RecognitionMatched, match, deviceInfo, "")
	return Resolution{
		Verified: Verified{
			SubscriberID:   sub.ID,
			SubscriberName: sub.FullName(),
			EntityID:       sub.EntityID,
			Method:         model.MethodFace,
		},
		Match:   match,
		AuditID: auditID,
	}, nil
}

func (r *FaceResolver) record(ctx context.Context, sessionID, entityID string, subscriberID *string, status string, match faceclient.Result, deviceInfo, errMsg string) string {
	entry := model.RecognitionLog{
		EntityID:         entityID,
		SessionID:        sessionID,
		SubscriberID:     subscriberID,
		Status:           status,
		ProcessingTimeMs: match.ProcessingTimeMs,
		DeviceInfo:       deviceInfo,
		ErrorMessage:     errMsg,
		AttemptedAt:      r.now(),
	}
	if status != model.RecognitionFailed {
		confidence := match.Confidence
		entry.Confidence = &confidence
	}
	saved, err := r.audit.AppendRecognition(ctx, entry)
	if err != nil {
		// The attempt outcome is already decided; a failed audit write
		// must not change it.
		return ""
	}
	return saved.ID
}
