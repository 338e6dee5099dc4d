package capsule

import "github.com/hpungsan/keep/internal/errors"

// Validate checks required-field presence, URN shape, timestamp shape,
// and label enum membership. The returned error names the offending
// field; a capsule failing validation is never persisted.
func Validate(c *Capsule) error {
	if c.ID == "" {
		return errors.NewValidation("id", "required")
	}
	if !ValidID(c.ID) {
		return errors.NewValidation("id", "must match capsule:sha256:<64 hex chars>")
	}
	if c.Subject == "" {
		return errors.NewValidation("subject", "required")
	}
	if !ValidTimestamp(c.Created) {
		return errors.NewValidation("created", "must be an RFC3339 millisecond timestamp with Z suffix")
	}
	if !ValidTimestamp(c.Modified) {
		return errors.NewValidation("modified", "must be an RFC3339 millisecond timestamp with Z suffix")
	}
	if c.Provenance.Creator == "" {
		return errors.NewValidation("provenance.creator", "required")
	}
	if c.Content.Type == "" {
		return errors.NewValidation("content.type", "required")
	}
	if c.Content.Encoding == "" {
		return errors.NewValidation("content.encoding", "required")
	}
	if c.Content.Data == "" {
		return errors.NewValidation("content.data", "required")
	}
	if c.Content.ContentHash == "" {
		return errors.NewValidation("content.contentHash", "required")
	}
	if c.Content.Nonce == "" {
		return errors.NewValidation("content.nonce", "required")
	}
	if !ValidLabels(c.Labels) {
		return errors.NewValidation("labels", "values must be members of the closed enums")
	}
	return nil
}
