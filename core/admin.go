package core

import (
	"strings"

	"escrowledger/native/escrow"
)

// AdminGate decides whether an account may run administrative operations.
type AdminGate = escrow.AdminGate

// StaticAdmins is a fixed allow-list of administrative accounts.
type StaticAdmins map[string]struct{}

// NewStaticAdmins builds an allow-list, ignoring blank entries.
func NewStaticAdmins(accounts ...string) StaticAdmins {
	set := make(StaticAdmins, len(accounts))
	for _, account := range accounts {
		if trimmed := strings.TrimSpace(account); trimmed != "" {
			set[trimmed] = struct{}{}
		}
	}
	return set
}

func (s StaticAdmins) IsAdmin(account string) bool {
	_, ok := s[account]
	return ok
}
