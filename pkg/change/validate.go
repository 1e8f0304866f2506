package change

import (
	"errors"
	"fmt"
)

var ErrInvalidChange = errors.New("invalid change")

// InvalidChangeError explains why a change was rejected. Such a change must never be sent.
type InvalidChangeError struct {
	Reason string
}

func (e *InvalidChangeError) Error() string {
	return "invalid change: " + e.Reason
}

func (e *InvalidChangeError) Is(target error) bool {
	return target == ErrInvalidChange
}

func invalid(format string, args ...interface{}) error {
	return &InvalidChangeError{Reason: fmt.Sprintf(format, args...)}
}

// Validate checks that c carries the fields its kind requires. It has no side effects.
func Validate(c Change) error {
	if !c.Kind.Known() {
		return invalid("unknown kind %q", c.Kind)
	}
	if c.Kind == Batch {
		if len(c.Changes) == 0 {
			return invalid("batch has no changes")
		}
		for i, sub := range c.Changes {
			if err := Validate(sub); err != nil {
				var ice *InvalidChangeError
				if errors.As(err, &ice) {
					return invalid("batch[%d]: %s", i, ice.Reason)
				}
				return err
			}
		}
		return nil
	}
	if c.TargetID == "" {
		return invalid("%s requires a target id", c.Kind)
	}
	if len(c.Changes) > 0 {
		return invalid("%s cannot carry sub-changes", c.Kind)
	}
	switch c.Kind {
	case CreateEdge, UpdateEdge:
		if c.Payload.String(KeySource) == "" || c.Payload.String(KeyTarget) == "" {
			return invalid("%s %s requires source and target", c.Kind, c.TargetID)
		}
	}
	return nil
}
