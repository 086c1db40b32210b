package audit

import (
	"time"

	"github.com/google/uuid"
)

// Event is one line of the proof-of-consent trail: which record was touched,
// by which action, from where. Keep it transport-agnostic so stores and sinks
// can fan out.
//
// RecordID is a weak reference; the event outlives the record it describes.
// EmailHash is the durable identity key. IPPrefix is already anonymized by
// the time the event is built.
type Event struct {
	ID         int64
	OccurredAt time.Time
	RecordID   *int64
	EmailHash  uuid.UUID
	Action     Action
	IPPrefix   string
	UserAgent  string
}

type Action string

const (
	ActionConsentCaptured        Action = "consent_captured"
	ActionConsentConfirmed       Action = "consent_confirmed"
	ActionOptedOut               Action = "opted_out"
	ActionOptedOutEverything     Action = "opted_out_everything"
	ActionOptOutUndone           Action = "optout_undone"
	ActionOptOutEverythingUndone Action = "optout_everything_undone"
)
