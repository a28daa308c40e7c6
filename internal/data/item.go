// Package data implements the identity-keyed audit data model: the typed
// graph of data items, their stable content-derived identities, the link
// graph between them, and the merge rules that keep the audit database
// single-valued per identity.
package data

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// Kind is the coarse category of a data item.
type Kind string

const (
	KindInformation  Kind = "INFORMATION"
	KindResource     Kind = "RESOURCE"
	KindVulnerability Kind = "VULNERABILITY"
)

// Tag names a (kind, subtype) pair. Plugin descriptors use Tag sets to
// declare what they accept; Item.Matches checks an item against one.
type Tag struct {
	Kind    Kind
	Subtype string
}

func (t Tag) String() string { return fmt.Sprintf("%s/%s", t.Kind, t.Subtype) }

// Item is the unit of audit knowledge: a domain, an IP, a URL, an HTTP
// request/response pair, a DNS record, a vulnerability finding, and so on,
// all represented as one tagged record dispatching on (kind, subtype).
//
// Identity is a pure function of IdentityFields; callers must never mutate
// IdentityFields after the item has been interned into the database —
// doing so would silently fork the identity the database already indexed
// the item under.
type Item struct {
	mu sync.RWMutex

	identity       string
	kind           Kind
	subtype        string
	identityFields map[string]any

	// Attrs holds mutable, non-identity-bearing fields. Values that are
	// []string are treated as set-valued for merge purposes (monotonic
	// union); every other value is last-wins.
	Attrs map[string]any

	links map[string]struct{}

	// discovery holds items produced transiently alongside this one
	// during construction; the coordinator interns them breadth-first
	// and then discards this list.
	discovery []*Item

	scopeComputed bool
	scopeValue    bool
}

// New constructs an item of the given kind/subtype from its identity
// fields. The identity is computed immediately and is immutable for the
// life of the item.
func New(kind Kind, subtype string, identityFields map[string]any) *Item {
	it := &Item{
		kind:           kind,
		subtype:        subtype,
		identityFields: cloneAny(identityFields),
		Attrs:          make(map[string]any),
		links:          make(map[string]struct{}),
	}
	it.identity = computeIdentity(kind, subtype, it.identityFields)
	return it
}

// Identity returns the item's stable, content-derived identity.
func (it *Item) Identity() string { return it.identity }

// Kind returns the item's kind.
func (it *Item) Kind() Kind { return it.kind }

// Subtype returns the item's subtype (e.g. "url", "ipv4", "http_request").
func (it *Item) Subtype() string { return it.subtype }

// Tag returns the (kind, subtype) pair identifying this item's shape.
func (it *Item) Tag() Tag { return Tag{Kind: it.kind, Subtype: it.subtype} }

// IdentityField returns one of the fields the identity was derived from.
// The returned value must be treated as read-only.
func (it *Item) IdentityField(name string) (any, bool) {
	v, ok := it.identityFields[name]
	return v, ok
}

// IdentityFields returns a copy of every identity-bearing field, for wire
// serialization — e.g. a Postgres-backed audit database row, or a DATA
// message a worker sends back across a process boundary.
func (it *Item) IdentityFields() map[string]any {
	return cloneAny(it.identityFields)
}

// Matches reports whether the item satisfies one of the given accepted
// tags. A nil/empty slice means "accepts everything", the same as a
// plugin's GetAcceptedInfo returning nil.
func (it *Item) Matches(accepted []Tag) bool {
	if len(accepted) == 0 {
		return true
	}
	for _, t := range accepted {
		if t.Kind == it.kind && (t.Subtype == "" || t.Subtype == it.subtype) {
			return true
		}
	}
	return false
}

// Links returns a snapshot of the identities this item is linked to.
func (it *Item) Links() []string {
	it.mu.RLock()
	defer it.mu.RUnlock()
	out := make([]string, 0, len(it.links))
	for id := range it.links {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// RestoreLinks repopulates this item's link set from a previously
// persisted snapshot (Links). Used when a store reloads an item: the
// edges were already bidirectional when stored, so there is no need to
// touch the other endpoint the way Link does.
func (it *Item) RestoreLinks(identities []string) {
	it.mu.Lock()
	defer it.mu.Unlock()
	for _, id := range identities {
		it.links[id] = struct{}{}
	}
}

// Link adds a bidirectional edge between a and b. Idempotent.
func Link(a, b *Item) {
	if a == nil || b == nil || a.identity == b.identity {
		return
	}
	a.mu.Lock()
	a.links[b.identity] = struct{}{}
	a.mu.Unlock()

	b.mu.Lock()
	b.links[a.identity] = struct{}{}
	b.mu.Unlock()
}

// AddDiscovery attaches a transient discovery to this item. The
// coordinator enumerates and interns these breadth-first, and then the
// list is no longer consulted.
func (it *Item) AddDiscovery(d *Item) {
	it.mu.Lock()
	it.discovery = append(it.discovery, d)
	it.mu.Unlock()
}

// Discovery returns and clears the item's pending discovery list.
func (it *Item) Discovery() []*Item {
	it.mu.Lock()
	defer it.mu.Unlock()
	out := it.discovery
	it.discovery = nil
	return out
}

// ScopeCache returns a cached in-scope verdict, if one was ever set.
func (it *Item) ScopeCache() (bool, bool) {
	it.mu.RLock()
	defer it.mu.RUnlock()
	return it.scopeValue, it.scopeComputed
}

// SetScopeCache memoizes an in-scope verdict for this item.
func (it *Item) SetScopeCache(v bool) {
	it.mu.Lock()
	it.scopeComputed = true
	it.scopeValue = v
	it.mu.Unlock()
}

// computeIdentity hashes a canonical serialization of the identity-bearing
// fields. Canonical = keys sorted, then JSON-encoded, so the digest is
// stable across process restarts and independent of map iteration order.
func computeIdentity(kind Kind, subtype string, fields map[string]any) string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	ordered := make([]any, 0, len(keys)*2+2)
	ordered = append(ordered, string(kind), subtype)
	for _, k := range keys {
		ordered = append(ordered, k, fields[k])
	}

	// json.Marshal on a []any preserves slice order, giving every
	// process the same byte stream for the same logical fields.
	buf, err := json.Marshal(ordered)
	if err != nil {
		// Identity-bearing fields must be JSON-serializable; a plugin
		// that passes something else is a programming error.
		panic(fmt.Sprintf("data: identity fields not serializable: %v", err))
	}
	sum := sha256.Sum256(buf)
	return hex.EncodeToString(sum[:])
}

func cloneAny(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
