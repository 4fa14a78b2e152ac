package policy

import (
	"fmt"
	"strings"
)

// Operation is a closed set of things a client can ask the server to do.
type Operation int

const (
	OpList Operation = iota + 1
	OpDownload
	OpUpload
	OpStorage
)

var opNames = map[Operation]string{
	OpList:     "list",
	OpDownload: "download",
	OpUpload:   "upload",
	OpStorage:  "storage",
}

func (o Operation) String() string {
	if n, ok := opNames[o]; ok {
		return n
	}
	return fmt.Sprintf("operation(%d)", int(o))
}

// Writes reports whether the operation modifies the storage root.
func (o Operation) Writes() bool {
	return o == OpUpload
}

// ParseOperation maps a config name to an Operation.
func ParseOperation(name string) (Operation, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for op, n := range opNames {
		if n == name {
			return op, nil
		}
	}
	return 0, fmt.Errorf("unknown operation %q", name)
}

// Gate decides whether an operation is allowed under the configured policy.
type Gate struct {
	readOnly bool
	disabled map[Operation]bool
}

// NewGate builds a gate from the read-only flag and a list of disabled operation names.
func NewGate(readOnly bool, disabled []string) (Gate, error) {
	g := Gate{readOnly: readOnly, disabled: map[Operation]bool{}}
	for _, name := range disabled {
		op, err := ParseOperation(name)
		if err != nil {
			return Gate{}, err
		}
		g.disabled[op] = true
	}
	return g, nil
}

// Allowed returns whether op may run and, when it may not, a user-facing reason.
func (g Gate) Allowed(op Operation) (bool, string) {
	if _, ok := opNames[op]; !ok {
		return false, "unknown operation"
	}
	if g.disabled[op] {
		return false, fmt.Sprintf("%s is disabled on this server", op)
	}
	if g.readOnly && op.Writes() {
		return false, "server is read-only"
	}
	return true, ""
}
