// Package registry holds the loaded account set, built once at startup and
// read-only thereafter.
package registry

import (
	"sort"

	"github.com/lighterfeed/lighterfeed/internal/config"
)

// Registry is an ordered, read-only view over the configured accounts.
type Registry struct {
	byID    map[int]config.AccountConfig
	ordered []config.AccountConfig
}

// New builds a Registry from the loaded account configs, sorted by
// account id for stable iteration order.
func New(accounts []config.AccountConfig) *Registry {
	ordered := make([]config.AccountConfig, len(accounts))
	copy(ordered, accounts)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].AccountID < ordered[j].AccountID })

	byID := make(map[int]config.AccountConfig, len(ordered))
	for _, a := range ordered {
		byID[a.AccountID] = a
	}
	return &Registry{byID: byID, ordered: ordered}
}

// All returns every configured account, sorted by account id.
func (r *Registry) All() []config.AccountConfig {
	out := make([]config.AccountConfig, len(r.ordered))
	copy(out, r.ordered)
	return out
}

// Get returns the account config for id, if configured.
func (r *Registry) Get(id int) (config.AccountConfig, bool) {
	a, ok := r.byID[id]
	return a, ok
}

// Len returns the number of configured accounts.
func (r *Registry) Len() int { return len(r.ordered) }
