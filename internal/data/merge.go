package data

// Merge combines incoming into existing, which must share the same
// identity, and returns the merged item:
//   - links are unioned
//   - non-identity scalar attributes are last-wins (incoming overwrites)
//   - set-valued attributes ([]string) are unioned and deduplicated
//
// Links and set-valued attributes end up the same whichever order items
// are merged in; scalar attributes do not, since the last merged value
// wins. Merging the same incoming item a second time changes no link or
// attribute.
func Merge(existing, incoming *Item) *Item {
	if existing.identity != incoming.identity {
		panic("data: Merge called on items with different identities")
	}

	existing.mu.Lock()
	defer existing.mu.Unlock()
	incoming.mu.RLock()
	defer incoming.mu.RUnlock()

	for id := range incoming.links {
		existing.links[id] = struct{}{}
	}

	for k, v := range incoming.Attrs {
		if set, ok := v.([]string); ok {
			existing.Attrs[k] = unionStrings(asStringSlice(existing.Attrs[k]), set)
			continue
		}
		existing.Attrs[k] = v
	}

	existing.discovery = append(existing.discovery, incoming.discovery...)
	return existing
}

func asStringSlice(v any) []string {
	if s, ok := v.([]string); ok {
		return s
	}
	return nil
}

func unionStrings(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, s := range append(append([]string{}, a...), b...) {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
