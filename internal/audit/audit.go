// Package audit emits signed audit records for agent submissions.
// Writes are fire-and-forget: nothing in this package may fail an
// ingestion request.
package audit

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Event is one audit record for an event log submission.
type Event struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	DeviceID  string    `json:"device_id"`
	OrgID     string    `json:"org_id"`
	IPAddress string    `json:"ip_address,omitempty"`
	Submitted int       `json:"submitted"`
	Inserted  int       `json:"inserted"`
	Filtered  int       `json:"filtered"`
	Result    string    `json:"result"`
	Signature string    `json:"signature"`
}

// Writer signs and emits audit records through the structured logger.
type Writer struct {
	secretKey []byte
	logger    *slog.Logger
}

// EphemeralKey generates a process-lifetime signing key for
// deployments that have not configured one. Records signed with it
// cannot be verified after a restart.
func EphemeralKey() string {
	return uuid.New().String()
}

func NewWriter(secretKey string, logger *slog.Logger) *Writer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Writer{
		secretKey: []byte(secretKey),
		logger:    logger,
	}
}

// Write stamps, signs, and emits the record. It never returns an error.
func (w *Writer) Write(ev Event) Event {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	ev.Signature = w.sign(ev)

	w.logger.Info("audit",
		slog.String("audit_id", ev.ID),
		slog.String("device_id", ev.DeviceID),
		slog.String("org_id", ev.OrgID),
		slog.String("ip", ev.IPAddress),
		slog.Int("submitted", ev.Submitted),
		slog.Int("inserted", ev.Inserted),
		slog.Int("filtered", ev.Filtered),
		slog.String("result", ev.Result),
		slog.String("signature", ev.Signature),
	)
	return ev
}

func (w *Writer) sign(ev Event) string {
	data := []byte(ev.ID + ev.Timestamp.Format(time.RFC3339Nano) + ev.DeviceID + ev.Result)
	h := hmac.New(sha256.New, w.secretKey)
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// Verify reports whether a record's signature is authentic.
func (w *Writer) Verify(ev Event) bool {
	expected := w.sign(ev)
	return hmac.Equal([]byte(expected), []byte(ev.Signature))
}
