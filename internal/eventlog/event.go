// Package eventlog implements the append-only, hash-chained audit
// trail of capsule-affecting operations. Each event's hash covers the
// previous event's hash, so tampering, reordering, or deletion anywhere
// in the chain is detectable.
package eventlog

import (
	"time"

	"github.com/hpungsan/keep/internal/canon"
	"github.com/hpungsan/keep/internal/capsule"
	"github.com/hpungsan/keep/internal/hlc"
)

// Event types emitted by the storage engine.
const (
	TypeMemoryCreated     = "memory.created"
	TypeMemoryRead        = "memory.read"
	TypeAttachmentAdded   = "attachment.added"
	TypeAttachmentDeleted = "attachment.deleted"
	TypeCorruptionFound   = "integrity.corruption"
	TypeBackupCreated     = "backup.created"
	TypeVaultRestored     = "vault.restored"
	TypeTokenIssued       = "token.issued"
)

// Event is one entry in the audit chain. Append-only; no in-place
// mutation is ever permitted.
type Event struct {
	ID            string `json:"id"`
	Type          string `json:"type"`
	Timestamp     string `json:"timestamp"`
	HLC           string `json:"hlc"`
	Actor         string `json:"actor"`
	CapsuleID     string `json:"capsuleId,omitempty"`
	PreviousEvent string `json:"previousEvent,omitempty"`
	Payload       string `json:"payload"` // canonicalized JSON
	Signature     string `json:"signature,omitempty"`
	Hash          string `json:"hash"`
}

// BuildEvent constructs a chained event. The hash is computed over the
// length-prefixed concatenation of the previous hash (empty for
// genesis), timestamp, actor, type, and canonical payload — the same
// length-prefix discipline the envelope uses for AAD.
func BuildEvent(eventType, capsuleID, actor string, payload any, prevHash string, at time.Time, stamp hlc.HLC) (*Event, error) {
	canonical, err := canon.Canonicalize(payload)
	if err != nil {
		return nil, err
	}

	e := &Event{
		Type:          eventType,
		Timestamp:     capsule.FormatTimestamp(at),
		HLC:           stamp.String(),
		Actor:         actor,
		CapsuleID:     capsuleID,
		PreviousEvent: prevHash,
		Payload:       canonical,
	}
	e.Hash = chainHash(e)
	e.ID = "event:" + e.Hash
	return e, nil
}

// chainHash recomputes an event's hash from its recorded fields.
func chainHash(e *Event) string {
	input := canon.LengthPrefixed(
		[]byte(e.PreviousEvent),
		[]byte(e.Timestamp),
		[]byte(e.Actor),
		[]byte(e.Type),
		[]byte(e.Payload),
	)
	return canon.HashBytes(input)
}
