// Package memo parses the structured memo attached to token transfers into
// the engine's custodial account. An empty memo plants for the sender; a
// "sow <account>" memo plants for the named account. Anything else is
// rejected so the enclosing transfer fails instead of silently planting.
package memo

import (
	"fmt"
	"strings"

	"github.com/seedcommons/harvest/engine/pkg/domain"
)

// Kind discriminates the parsed directive.
type Kind int

const (
	// PlantForSelf stakes the transferred amount for the sender.
	PlantForSelf Kind = iota
	// PlantForAccount stakes the transferred amount for Target.
	PlantForAccount
)

// Directive is a parsed deposit memo.
type Directive struct {
	Kind   Kind
	Target domain.Account // set for PlantForAccount
}

// Parse interprets a deposit memo. The target account is validated against
// the registry name grammar only; existence checks belong to the caller.
func Parse(raw string) (Directive, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Directive{Kind: PlantForSelf}, nil
	}

	verb, rest, ok := strings.Cut(s, " ")
	if !ok || verb != "sow" {
		return Directive{}, fmt.Errorf("%w: memo %q", domain.ErrMalformedDirective, raw)
	}
	target, err := domain.ParseAccount(strings.TrimSpace(rest))
	if err != nil {
		return Directive{}, fmt.Errorf("memo %q: %w", raw, err)
	}
	return Directive{Kind: PlantForAccount, Target: target}, nil
}
