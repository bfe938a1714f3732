package murty

import (
	"fmt"
	"strings"
)

// State is the complementarity state of a unilateral or friction
// constraint.
type State int8

const (
	// WLo clamps the multiplier to its lower bound (0 for contacts, -flim for
	// friction). It is the zero value, so a fresh state vector is cleared.
	WLo State = iota
	// WHi clamps the multiplier to its upper bound (+flim for friction).
	WHi
	// Z makes the multiplier a basic unknown.
	Z
)

func (s State) String() string {
	switch s {
	case WLo:
		return "L"
	case WHi:
		return "H"
	case Z:
		return "Z"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// FormatStates renders states as a string of L, H and Z characters.
func FormatStates(states []State) string {
	var sb strings.Builder
	for _, s := range states {
		sb.WriteString(s.String())
	}
	return sb.String()
}

// ParseStates is the inverse of FormatStates. Spaces are ignored.
func ParseStates(s string) ([]State, error) {
	states := make([]State, 0, len(s))
	for i, c := range s {
		switch c {
		case 'L':
			states = append(states, WLo)
		case 'H':
			states = append(states, WHi)
		case 'Z':
			states = append(states, Z)
		case ' ':
		default:
			return nil, fmt.Errorf("invalid state character %q at %v: %w", c, i, ErrInput)
		}
	}
	return states, nil
}

// Status is the outcome of a solve.
type Status int

const (
	Solved Status = iota
	// NoSolution means a block pivot batch could not commit a single pivot,
	// or no single pivot could be applied.
	NoSolution
	IterationLimitExceeded
)

func (s Status) String() string {
	switch s {
	case Solved:
		return "SOLVED"
	case NoSolution:
		return "NO_SOLUTION"
	case IterationLimitExceeded:
		return "ITERATION_LIMIT_EXCEEDED"
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// Flags modify a single solve.
type Flags uint

const (
	// RebuildA forces the A matrix to be rebuilt and analyzed.
	RebuildA Flags = 1 << iota
	// NTInactive freezes the activity of the contact constraints, treating
	// them as bilateral for this solve.
	NTInactive
)

// consType tells which constraint matrix a column belongs to.
type consType int8

const (
	typeN consType = iota
	typeD
)

func (t consType) String() string {
	if t == typeN {
		return "N"
	}
	return "D"
}
