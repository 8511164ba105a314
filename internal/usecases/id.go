package usecases

import (
	"fmt"
	"strings"

	"github.com/oklog/ulid/v2"
)

// NewID returns prefix_ULID, e.g. NewID("qr") -> "qr_01J9Z3K5M2R8V7TQ4XWCEN6HBD".
func NewID(prefix string) string {
	prefix = strings.TrimSpace(strings.ToLower(prefix))
	if prefix == "" {
		panic("id prefix cannot be empty")
	}
	return fmt.Sprintf("%s_%s", prefix, ulid.Make().String())
}
