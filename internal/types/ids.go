package types

import (
	"time"

	"github.com/google/uuid"
)

// NewHitID generates a UUIDv7 hit identifier.
// Time-ordered IDs ensure hits dequeue from the store in emission order.
// Panics on clock regression (uuid.Must); acceptable for ID generation.
func NewHitID() HitID {
	return HitID(uuid.Must(uuid.NewV7()).String())
}

// ParseHitID validates and converts a string to HitID.
// Rejects malformed UUIDs to prevent invalid IDs from entering the store.
func ParseHitID(s string) (HitID, error) {
	_, err := uuid.Parse(s)
	if err != nil {
		return "", err
	}
	return HitID(s), nil
}

// HitIDTime extracts the timestamp embedded in a UUIDv7 ID.
// Enables age-based queue inspection without a database lookup.
// Returns zero time for invalid UUIDs; caller should check IsZero().
func HitIDTime(id HitID) time.Time {
	u, err := uuid.Parse(string(id))
	if err != nil {
		return time.Time{}
	}
	sec, nsec := u.Time().UnixTime()
	return time.Unix(sec, nsec)
}
