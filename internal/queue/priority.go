package queue

import (
	"fmt"
	"strconv"
	"strings"
)

// Priority is the urgency of a queued request. Higher ranks dequeue first.
type Priority int

const (
	PriorityBulk Priority = iota
	PriorityLow
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

var priorityNames = [...]string{"BULK", "LOW", "NORMAL", "HIGH", "CRITICAL"}

// Priorities lists every level from CRITICAL down to BULK, the dequeue
// scan order.
var Priorities = []Priority{PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow, PriorityBulk}

func (p Priority) String() string {
	if !p.Valid() {
		return "Priority(" + strconv.Itoa(int(p)) + ")"
	}
	return priorityNames[p]
}

// Valid reports whether p is one of the five defined levels.
func (p Priority) Valid() bool { return p >= PriorityBulk && p <= PriorityCritical }

// Boost returns the next level up, clamped at CRITICAL.
func (p Priority) Boost() Priority { return min(p+1, PriorityCritical) }

// ParsePriority accepts a level name (case-insensitive) or its rank.
func ParsePriority(s string) (Priority, error) {
	s = strings.TrimSpace(s)
	if n, err := strconv.Atoi(s); err == nil {
		if p := Priority(n); p.Valid() {
			return p, nil
		}
		return 0, fmt.Errorf("queue: priority rank %d out of range", n)
	}
	for i, name := range priorityNames {
		if strings.EqualFold(s, name) {
			return Priority(i), nil
		}
	}
	return 0, fmt.Errorf("queue: unknown priority %q", s)
}

func (p Priority) MarshalText() ([]byte, error) {
	if !p.Valid() {
		return nil, fmt.Errorf("queue: invalid priority %d", int(p))
	}
	return []byte(p.String()), nil
}

func (p *Priority) UnmarshalText(b []byte) error {
	v, err := ParsePriority(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}
