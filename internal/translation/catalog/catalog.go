// Package catalog is the single source of truth mapping a named operation
// and direction to the cloud's numeric SmartREST template code. Call sites
// look up a code by name; no numeric code is ever embedded elsewhere.
package catalog

// Direction distinguishes a message going toward the cloud (Upstream) from
// one coming from it (Downstream).
type Direction string

const (
	Upstream   Direction = "us"
	Downstream Direction = "ds"
)

// Key identifies one catalog entry.
type Key struct {
	Operation string
	Direction Direction
}

var codes = map[Key]int{
	{"child-device-create", Upstream}:       101,
	{"service-create", Upstream}:            102,
	{"set-supported-operations", Upstream}:  114,
	{"create-critical-alarm", Upstream}:     301,
	{"create-major-alarm", Upstream}:        302,
	{"create-minor-alarm", Upstream}:        303,
	{"create-warning-alarm", Upstream}:      304,
	{"clear-alarm", Upstream}:               306,
}

// Lookup returns the numeric template code for operation in the given
// direction, and whether an entry exists.
func Lookup(operation string, direction Direction) (int, bool) {
	code, ok := codes[Key{Operation: operation, Direction: direction}]
	return code, ok
}

// MustLookup panics if operation/direction has no catalog entry; reserved
// for call sites where the operation name is a compile-time constant, never
// user input.
func MustLookup(operation string, direction Direction) int {
	code, ok := Lookup(operation, direction)
	if !ok {
		panic("catalog: no entry for " + operation + "/" + string(direction))
	}
	return code
}
