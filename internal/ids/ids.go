package ids

import (
	"crypto/rand"
	"regexp"
	"time"

	"github.com/oklog/ulid/v2"
)

var ulidRegex = regexp.MustCompile(`(?i)^[0-9A-HJKMNP-TV-Z]{26}$`)

// NewULID mints a new ULID using crypto/rand entropy.
func NewULID() string {
	return ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader).String()
}

// IsValidULID reports whether s looks like a ULID.
func IsValidULID(s string) bool {
	return ulidRegex.MatchString(s)
}
