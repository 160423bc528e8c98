package model

import "time"

// Method identifies how a subscriber proved their presence.
type Method string

const (
	MethodNFC    Method = "NFC"
	MethodQR     Method = "QR"
	MethodWiFi   Method = "WIFI"
	MethodFace   Method = "FACE"
	MethodManual Method = "MANUAL"
)

// Organization is the tenant everything else is scoped to. EntityID is
// the external-facing identifier and never changes once assigned.
type Organization struct {
	EntityID string
	Name     string
}

// Subscriber is a person tracked for attendance. Belongs to exactly one
// organization; may own at most one identity card.
type Subscriber struct {
	ID           string
	EntityID     string
	FirstName    string
	LastName     string
	MobileNumber string
	FaceEnrolled bool
	FaceVersion  string
	EnrolledAt   *time.Time
}

// FullName is used in responses and audit rows.
func (s Subscriber) FullName() string {
	if s.LastName == "" {
		return s.FirstName
	}
	return s.FirstName + " " + s.LastName
}

// IdentityCard is a physical token proxy. Ownership is nullable and
// reassignable by the card-management flow.
type IdentityCard struct {
	UID          string
	Active       bool
	SubscriberID *string
	EntityID     string
}

// Session is a window during which check-ins are accepted. EndTime
// transitions once from nil to a timestamp and is then immutable.
type Session struct {
	ID             string
	EntityID       string
	Name           string
	StartTime      time.Time
	EndTime        *time.Time
	AllowedMethods []Method
	QRToken        *string
}

// ActiveAt reports whether the session accepts check-ins at t.
func (s Session) ActiveAt(t time.Time) bool {
	return !s.StartTime.After(t) && s.EndTime == nil
}

// Allows reports whether the given method is enabled for this session.
func (s Session) Allows(m Method) bool {
	for _, allowed := range s.AllowedMethods {
		if allowed == m {
			return true
		}
	}
	return false
}

// LogEntry is one physical presence interval. CheckInTime is set at
// creation and immutable; CheckOutTime is set exactly once.
type LogEntry struct {
	ID             string
	SubscriberID   string
	SessionID      string
	CheckInTime    time.Time
	CheckInMethod  Method
	CheckOutTime   *time.Time
	CheckOutMethod *Method
	DeviceInfo     string
	LocationInfo   string
	CreatedAt      time.Time
}

// Open reports whether the entry has no checkout yet.
func (e LogEntry) Open() bool { return e.CheckOutTime == nil }

// Recognition attempt outcomes recorded to the audit log.
const (
	RecognitionMatched      = "MATCHED"
	RecognitionUnrecognized = "UNRECOGNIZED"
	RecognitionFailed       = "FAILED"
)

// RecognitionLog is one biometric attempt, successful or not. Rows are
// appended before any ledger outcome is returned to the caller.
type RecognitionLog struct {
	ID               string
	EntityID         string
	SessionID        string
	SubscriberID     *string
	Status           string
	Confidence       *float64
	ProcessingTimeMs int64
	DeviceInfo       string
	ErrorMessage     string
	SnapshotURL      *string
	AttemptedAt      time.Time
}
