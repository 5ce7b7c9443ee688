package service

import "github.com/oklog/ulid/v2"

// ID prefixes. The prefix is semantic, not cryptographic; consumers must
// treat the full id as an opaque string.
const (
	PrefixEvent     = "evt"
	PrefixSession   = "sess"
	PrefixWorkspace = "ws"
	PrefixBranch    = "br"
	PrefixBlob      = "blob"
	PrefixTask      = "task"
	PrefixProject   = "proj"
	PrefixArea      = "area"
	PrefixLog       = "log"
)

// NewID returns a prefixed, lexicographically sortable identifier,
// e.g. "evt_01HZX3V7Q4...".
func NewID(prefix string) string {
	return prefix + "_" + ulid.Make().String()
}
