package catalog

import "github.com/lumen-lab/beamline-go/docstore"

// AccessPolicy restricts what an identity may see in a catalog. Policies are
// consulted on every read: ModifyQueries extends the stored intents for the
// current identity, and the result is translated fresh for that single call,
// so a rebound view takes effect immediately.
//
// Implementations MUST be immutable after construction and safe to share
// across concurrent catalog views.
type AccessPolicy interface {
	// ModifyQueries returns the effective intent list for identity. It must
	// not mutate queries.
	ModifyQueries(queries []Query, identity string) []Query

	// FilterResults returns a new view of c bound to identity. It must not
	// mutate c.
	FilterResults(c *Catalog, identity string) (*Catalog, error)

	// Compatible reports whether the policy can gate this catalog
	// implementation.
	Compatible(c *Catalog) bool
}

// Unrestricted is the policy used when none is configured: every identity
// sees everything.
type Unrestricted struct{}

var _ AccessPolicy = Unrestricted{}

// ModifyQueries returns the intents unchanged.
func (Unrestricted) ModifyQueries(queries []Query, identity string) []Query {
	return queries
}

// FilterResults rebinds the view without restriction.
func (Unrestricted) FilterResults(c *Catalog, identity string) (*Catalog, error) {
	return c.WithIdentity(identity), nil
}

// Compatible accepts any catalog.
func (Unrestricted) Compatible(c *Catalog) bool { return c != nil }

// AllowList grants each identity an explicit set of run uids. Anything not
// granted is invisible: reads under an allow-listed identity carry an extra
// uid membership predicate, so an unknown identity sees nothing at all. The
// Admin identity bypasses filtering entirely.
//
// The zero Admin value never matches, so unbound views stay restricted.
type AllowList struct {
	// Lists maps identity to the run uids it may see.
	Lists map[string][]string

	// Admin is the administrative identity, exempt from filtering.
	Admin string
}

var _ AccessPolicy = AllowList{}

// ModifyQueries appends a uid membership intent for identity, or returns the
// intents unchanged for the admin.
func (p AllowList) ModifyQueries(queries []Query, identity string) []Query {
	if p.Admin != "" && identity == p.Admin {
		return queries
	}
	allowed := p.Lists[identity]
	uids := make([]any, len(allowed))
	for i, uid := range allowed {
		uids[i] = uid
	}
	out := make([]Query, 0, len(queries)+1)
	out = append(out, queries...)
	return append(out, RawFilter{Filter: docstore.Filter{
		"uid": docstore.Filter{"$in": uids},
	}})
}

// FilterResults rebinds the view; the restriction itself is applied per read
// through ModifyQueries.
func (p AllowList) FilterResults(c *Catalog, identity string) (*Catalog, error) {
	return c.WithIdentity(identity), nil
}

// Compatible accepts any catalog.
func (p AllowList) Compatible(c *Catalog) bool { return c != nil }
