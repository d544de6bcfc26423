package domain

import (
	"errors"
	"fmt"
)

// Operator es el comparador SQL de una condición.
type Operator string

const (
	OpEq  Operator = "="
	OpNeq Operator = "<>"
	OpLt  Operator = "<"
)

var ErrUnknownField = errors.New("unknown filter field")

// Criterion es una condición neutral que cada repositorio traduce a su dialecto.
type Criterion struct {
	Field string
	Op    Operator
	Value any
}

type Criteria interface {
	ToConditions() []Criterion
}

// allOf es una conjunción; los repositorios unen sus condiciones con AND.
type allOf []Criteria

func (a allOf) ToConditions() []Criterion {
	var all []Criterion
	for _, c := range a {
		if c == nil {
			continue
		}
		all = append(all, c.ToConditions()...)
	}
	return all
}

// And combina criterios que deben cumplirse todos.
func And(criterias ...Criteria) Criteria {
	return allOf(criterias)
}

// Conditions aplana c y rechaza campos fuera de allowed. c puede ser nil.
func Conditions(c Criteria, allowed map[string]bool) ([]Criterion, error) {
	if c == nil {
		return nil, nil
	}
	conds := c.ToConditions()
	for _, cond := range conds {
		if !allowed[cond.Field] {
			return nil, fmt.Errorf("%w: %q", ErrUnknownField, cond.Field)
		}
	}
	return conds, nil
}
