package bucket

import (
	"errors"
	"fmt"
	"strconv"
)

// Capability is a named value a worker reports about itself, such as an
// installed simulator runtime or the host architecture.
type Capability struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// ConstraintType selects how a Constraint is evaluated.
type ConstraintType string

const (
	ConstraintAbsent      ConstraintType = "absent"
	ConstraintEqual       ConstraintType = "equal"
	ConstraintLessThan    ConstraintType = "less_than"
	ConstraintGreaterThan ConstraintType = "greater_than"
	ConstraintNot         ConstraintType = "not"
	ConstraintAll         ConstraintType = "all"
	ConstraintAny         ConstraintType = "any"
)

// ErrInvalidConstraint is returned by Validate for malformed constraints.
var ErrInvalidConstraint = errors.New("invalid capability constraint")

// Constraint is a predicate over the value of one worker capability.
// Comparisons are numeric when both sides parse as numbers and lexical
// otherwise. Not takes exactly one operand in Constraints.
type Constraint struct {
	Type        ConstraintType `json:"type"`
	Value       string         `json:"value,omitempty"`
	Constraints []Constraint   `json:"constraints,omitempty"`
}

// Present is satisfied when the worker reports the capability at all.
func Present() Constraint {
	return Constraint{Type: ConstraintNot, Constraints: []Constraint{{Type: ConstraintAbsent}}}
}

// Equal is satisfied by a capability with exactly value.
func Equal(value string) Constraint {
	return Constraint{Type: ConstraintEqual, Value: value}
}

// AtLeast is satisfied by a capability equal to or greater than value.
func AtLeast(value string) Constraint {
	return Constraint{Type: ConstraintAny, Constraints: []Constraint{
		Equal(value),
		{Type: ConstraintGreaterThan, Value: value},
	}}
}

// Validate checks the constraint tree for unknown types and wrong operand
// counts.
func (c Constraint) Validate() error {
	switch c.Type {
	case ConstraintAbsent:
		return nil
	case ConstraintEqual, ConstraintLessThan, ConstraintGreaterThan:
		if c.Value == "" {
			return fmt.Errorf("%w: %s requires a value", ErrInvalidConstraint, c.Type)
		}
		return nil
	case ConstraintNot:
		if len(c.Constraints) != 1 {
			return fmt.Errorf("%w: not requires exactly one operand", ErrInvalidConstraint)
		}
	case ConstraintAll, ConstraintAny:
		if len(c.Constraints) == 0 {
			return fmt.Errorf("%w: %s requires operands", ErrInvalidConstraint, c.Type)
		}
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidConstraint, c.Type)
	}
	for _, operand := range c.Constraints {
		if err := operand.Validate(); err != nil {
			return err
		}
	}
	return nil
}

func (c Constraint) satisfiedBy(value string, present bool) bool {
	switch c.Type {
	case ConstraintAbsent:
		return !present
	case ConstraintEqual:
		return present && value == c.Value
	case ConstraintLessThan:
		return present && compareValues(value, c.Value) < 0
	case ConstraintGreaterThan:
		return present && compareValues(value, c.Value) > 0
	case ConstraintNot:
		return len(c.Constraints) == 1 && !c.Constraints[0].satisfiedBy(value, present)
	case ConstraintAll:
		for _, operand := range c.Constraints {
			if !operand.satisfiedBy(value, present) {
				return false
			}
		}
		return true
	case ConstraintAny:
		for _, operand := range c.Constraints {
			if operand.satisfiedBy(value, present) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

func compareValues(a, b string) int {
	fa, errA := strconv.ParseFloat(a, 64)
	fb, errB := strconv.ParseFloat(b, 64)
	if errA == nil && errB == nil {
		switch {
		case fa < fb:
			return -1
		case fa > fb:
			return 1
		default:
			return 0
		}
	}
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// CapabilityRequirement constrains the worker capability called Name.
type CapabilityRequirement struct {
	Name       string     `json:"name"`
	Constraint Constraint `json:"constraint"`
}

// SatisfiedBy reports whether any capability named r.Name meets the
// constraint. A worker without such a capability is checked as absent.
func (r CapabilityRequirement) SatisfiedBy(caps []Capability) bool {
	matched := false
	for _, c := range caps {
		if c.Name != r.Name {
			continue
		}
		matched = true
		if r.Constraint.satisfiedBy(c.Value, true) {
			return true
		}
	}
	if matched {
		return false
	}
	return r.Constraint.satisfiedBy("", false)
}

// RequirementsSatisfied reports whether caps meet every requirement.
func RequirementsSatisfied(reqs []CapabilityRequirement, caps []Capability) bool {
	for _, r := range reqs {
		if !r.SatisfiedBy(caps) {
			return false
		}
	}
	return true
}
