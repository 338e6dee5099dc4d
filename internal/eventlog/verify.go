package eventlog

// VerifyResult reports the outcome of a chain verification.
type VerifyResult struct {
	OK       bool   `json:"ok"`
	FailedAt string `json:"failed_at,omitempty"`
	Checked  int    `json:"checked"`
}

// VerifyEvents walks an event sequence in append order and verifies
// both the hash of each event and its linkage to the previous one.
// The first divergence is reported by event id. Content tampering
// breaks the event's own hash; reordering or deletion breaks the next
// event's previous-hash linkage.
func VerifyEvents(events []*Event) VerifyResult {
	prevHash := ""
	for i, e := range events {
		if e.PreviousEvent != prevHash {
			return VerifyResult{OK: false, FailedAt: e.ID, Checked: i}
		}
		if chainHash(e) != e.Hash {
			return VerifyResult{OK: false, FailedAt: e.ID, Checked: i}
		}
		prevHash = e.Hash
	}
	return VerifyResult{OK: true, Checked: len(events)}
}
