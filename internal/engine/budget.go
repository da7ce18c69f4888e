package engine

import (
	"fmt"
	"strconv"
)

// BudgetKind selects how a search is bounded.
type BudgetKind string

const (
	BudgetNodes    BudgetKind = "nodes"    // fixed node count
	BudgetMoveTime BudgetKind = "movetime" // milliseconds
	BudgetDepth    BudgetKind = "depth"    // plies
	BudgetInfinite BudgetKind = "infinite" // unbounded; engine decides
)

// ParseBudgetKind validates a budget kind string from config.
func ParseBudgetKind(s string) (BudgetKind, error) {
	switch k := BudgetKind(s); k {
	case BudgetNodes, BudgetMoveTime, BudgetDepth, BudgetInfinite:
		return k, nil
	}
	return "", fmt.Errorf("unknown search kind %q (want nodes, movetime, depth or infinite)", s)
}

// Budget is a bounded search request: a kind and its magnitude.
// The magnitude is ignored for infinite searches.
type Budget struct {
	Kind  BudgetKind
	Value int
}

// GoArgs renders the budget as the argument part of a UCI "go" command.
func (b Budget) GoArgs() string {
	if b.Kind == BudgetInfinite {
		return string(BudgetInfinite)
	}
	return string(b.Kind) + " " + strconv.Itoa(b.Value)
}

func (b Budget) String() string { return "go " + b.GoArgs() }

// Validate range-checks the budget.
func (b Budget) Validate() error {
	if _, err := ParseBudgetKind(string(b.Kind)); err != nil {
		return err
	}
	if b.Kind != BudgetInfinite && b.Value < 1 {
		return fmt.Errorf("search value must be >= 1 for %s searches, got %d", b.Kind, b.Value)
	}
	return nil
}
