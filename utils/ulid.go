package utils

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	entropyLock sync.Mutex
	entropy     = ulid.Monotonic(rand.Reader, 0)
)

// GenerateULID generates a new ULID with mutex protection.
// IDs generated within the same millisecond sort in generation order.
func GenerateULID() ulid.ULID {
	return GenerateULIDWithTime(time.Now())
}

// GenerateULIDString generates a new ULID as a string
func GenerateULIDString() string {
	return GenerateULID().String()
}

// GenerateULIDWithTime generates a ULID carrying the timestamp of t
func GenerateULIDWithTime(t time.Time) ulid.ULID {
	entropyLock.Lock()
	defer entropyLock.Unlock()

	return ulid.MustNew(ulid.Timestamp(t), entropy)
}

// ParseULID parses a ULID string
func ParseULID(s string) (ulid.ULID, error) {
	return ulid.Parse(s)
}

// HandleCreatedAt returns the creation time encoded in a handle id.
func HandleCreatedAt(id string) (time.Time, error) {
	u, err := ulid.Parse(id)
	if err != nil {
		return time.Time{}, err
	}
	return ulid.Time(u.Time()), nil
}
