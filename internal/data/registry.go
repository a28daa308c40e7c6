package data

import (
	"fmt"
	"sync"
)

// Decoder reconstructs an Item from its wire-encoded identity fields and
// attributes, e.g. when a worker subprocess receives a DATA message over
// NATS and must rebuild typed items from the JSON envelope, via a central
// registry mapping (kind, subtype) to decoder functions.
type Decoder func(identityFields, attrs map[string]any) (*Item, error)

// Registry is a thread-safe (kind, subtype) -> Decoder map. One instance
// is shared by the whole process; plugins contribute decoders for the
// custom subtypes they introduce, the same way NewRegistry registers the
// built-in subtypes of kinds.go.
type Registry struct {
	mu       sync.RWMutex
	decoders map[Tag]Decoder
}

// NewRegistry returns an empty registry pre-seeded with the built-in
// decoders for the subtypes this package defines.
func NewRegistry() *Registry {
	r := &Registry{decoders: make(map[Tag]Decoder)}
	r.registerBuiltins()
	return r
}

// Register adds or replaces the decoder for a (kind, subtype) pair.
func (r *Registry) Register(tag Tag, dec Decoder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.decoders[tag] = dec
}

// Decode rebuilds an Item using the decoder registered for tag.
func (r *Registry) Decode(tag Tag, identityFields, attrs map[string]any) (*Item, error) {
	r.mu.RLock()
	dec, ok := r.decoders[tag]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("data: no decoder registered for %s", tag)
	}
	return dec(identityFields, attrs)
}

func (r *Registry) registerBuiltins() {
	r.Register(Tag{KindResource, SubtypeDomain}, func(idf, attrs map[string]any) (*Item, error) {
		name, _ := idf["name"].(string)
		it := NewDomain(name)
		applyAttrs(it, attrs)
		return it, nil
	})
	r.Register(Tag{KindResource, SubtypeIPv4}, func(idf, attrs map[string]any) (*Item, error) {
		addr, _ := idf["address"].(string)
		it := NewIP(addr, false)
		applyAttrs(it, attrs)
		return it, nil
	})
	r.Register(Tag{KindResource, SubtypeIPv6}, func(idf, attrs map[string]any) (*Item, error) {
		addr, _ := idf["address"].(string)
		it := NewIP(addr, true)
		applyAttrs(it, attrs)
		return it, nil
	})
	r.Register(Tag{KindResource, SubtypeURL}, func(idf, attrs map[string]any) (*Item, error) {
		u, _ := idf["url"].(string)
		it := NewURL(u)
		applyAttrs(it, attrs)
		return it, nil
	})
	r.Register(Tag{KindResource, SubtypeHTTPRequest}, func(idf, attrs map[string]any) (*Item, error) {
		u, _ := idf["url"].(string)
		method, _ := idf["method"].(string)
		body, _ := idf["post_body"].(string)
		it := NewHTTPRequest(u, method, body)
		applyAttrs(it, attrs)
		return it, nil
	})
	r.Register(Tag{KindInformation, SubtypeDNSRecord}, func(idf, attrs map[string]any) (*Item, error) {
		name, _ := idf["name"].(string)
		rtype, _ := idf["rtype"].(string)
		value, _ := idf["value"].(string)
		it := NewDNSRecord(name, rtype, value)
		applyAttrs(it, attrs)
		return it, nil
	})
	r.Register(Tag{KindVulnerability, SubtypeVulnerability}, func(idf, attrs map[string]any) (*Item, error) {
		affects, _ := idf["affects"].(string)
		title, _ := idf["title"].(string)
		it := NewVulnerability(SubtypeVulnerability, affects, title)
		applyAttrs(it, attrs)
		return it, nil
	})
}

func applyAttrs(it *Item, attrs map[string]any) {
	for k, v := range attrs {
		it.Attrs[k] = v
	}
}
