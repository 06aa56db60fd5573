package schema

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for filter construction.
var (
	// ErrFilterConflict indicates both allowed and forbidden were set.
	ErrFilterConflict = errors.New("only allowed or forbidden, but not both")

	// ErrFilterEmpty indicates neither allowed nor forbidden was set.
	ErrFilterEmpty = errors.New("either allowed or forbidden must be specified")
)

// Filter constrains one column to an allowed or a forbidden value set.
// Exactly one of the two sets must be present; use NewFilter to construct
// a validated value.
type Filter struct {
	Table     string `json:"table"`
	Column    string `json:"column"`
	Allowed   []any  `json:"allowed,omitempty"`
	Forbidden []any  `json:"forbidden,omitempty"`
}

// NewFilter builds a validated filter. Pass nil for the unused value set.
func NewFilter(table, column string, allowed, forbidden []any) (Filter, error) {
	f := Filter{Table: table, Column: column, Allowed: allowed, Forbidden: forbidden}
	if err := f.Validate(); err != nil {
		return Filter{}, err
	}
	return f, nil
}

// Validate enforces the exclusive allowed/forbidden rule.
func (f Filter) Validate() error {
	if f.Allowed != nil && f.Forbidden != nil {
		return fmt.Errorf("filter %s.%s: %w", f.Table, f.Column, ErrFilterConflict)
	}
	if f.Allowed == nil && f.Forbidden == nil {
		return fmt.Errorf("filter %s.%s: %w", f.Table, f.Column, ErrFilterEmpty)
	}
	return nil
}

// SerializeFilters renders filters as a block for prompting.
// Returns "No filters." when the list is empty.
func SerializeFilters(filters []Filter) string {
	if len(filters) == 0 {
		return "No filters."
	}
	lines := make([]string, 0, len(filters))
	for _, f := range filters {
		if f.Allowed != nil {
			lines = append(lines, fmt.Sprintf("%s.%s allowed %v", f.Table, f.Column, f.Allowed))
		} else if f.Forbidden != nil {
			lines = append(lines, fmt.Sprintf("%s.%s forbidden %v", f.Table, f.Column, f.Forbidden))
		}
	}
	if len(lines) == 0 {
		return "No filters."
	}
	return strings.Join(lines, "\n")
}
