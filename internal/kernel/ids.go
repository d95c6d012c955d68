package kernel

import "github.com/google/uuid"

// defaultIDGenerator mints a UUIDv7 (time-ordered) id, matching the
// teacher's checkpoint store's use of uuid.NewV7 for naturally sortable
// identifiers.
func defaultIDGenerator() string {
	id, err := uuid.NewV7()
	if err != nil {
		// NewV7 only fails if the system clock/rand source is broken;
		// fall back to a random v4 rather than panic mid-emission.
		return uuid.NewString()
	}
	return id.String()
}
