package domain

import (
	"fmt"
	"regexp"
)

// Account is a ledger account name. Names follow the upstream registry
// grammar: lowercase letters, digits 1-5 and dots, at most 12 characters,
// starting with a letter.
type Account string

var accountRe = regexp.MustCompile(`^[a-z][a-z1-5.]{0,11}$`)

// ParseAccount validates s against the account-name grammar.
func ParseAccount(s string) (Account, error) {
	if !accountRe.MatchString(s) {
		return "", fmt.Errorf("%w: invalid account name %q", ErrMalformedDirective, s)
	}
	return Account(s), nil
}

// Valid reports whether the account name matches the registry grammar.
func (a Account) Valid() bool {
	return accountRe.MatchString(string(a))
}

func (a Account) String() string {
	return string(a)
}
