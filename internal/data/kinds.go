package data

// Concrete subtypes the core and its plugins exchange. Plugins are free to
// register additional ones via Registry.Register; these are the ones the
// orchestration core itself produces during scope bootstrap and DNS
// expansion.
const (
	SubtypeDomain      = "domain"
	SubtypeIPv4        = "ipv4"
	SubtypeIPv6        = "ipv6"
	SubtypeURL         = "url"
	SubtypeHTTPRequest = "http_request"
	SubtypeDNSRecord   = "dns_record"
	SubtypeVulnerability = "generic"
)

// NewDomain creates a RESOURCE/domain item. A bare hostname, e.g. "example.com".
func NewDomain(name string) *Item {
	it := New(KindResource, SubtypeDomain, map[string]any{"name": name})
	it.Attrs["name"] = name
	return it
}

// NewIP creates a RESOURCE/ipv4 or RESOURCE/ipv6 item depending on the
// address family of addr (already normalized by the scope evaluator).
func NewIP(addr string, v6 bool) *Item {
	subtype := SubtypeIPv4
	if v6 {
		subtype = SubtypeIPv6
	}
	it := New(KindResource, subtype, map[string]any{"address": addr})
	it.Attrs["address"] = addr
	return it
}

// NewURL creates a RESOURCE/url item. Identity is the normalized absolute
// URL alone; NewHTTPRequest below additionally folds in method and body
// for requests that need to be distinguished by verb/payload.
func NewURL(rawURL string) *Item {
	it := New(KindResource, SubtypeURL, map[string]any{"url": rawURL})
	it.Attrs["url"] = rawURL
	return it
}

// NewHTTPRequest creates a RESOURCE/http_request item. Identity is derived
// from url+method+postBody.
func NewHTTPRequest(rawURL, method, postBody string) *Item {
	it := New(KindResource, SubtypeHTTPRequest, map[string]any{
		"url":       rawURL,
		"method":    method,
		"post_body": postBody,
	})
	it.Attrs["url"] = rawURL
	it.Attrs["method"] = method
	return it
}

// NewDNSRecord creates an INFORMATION/dns_record item, identity keyed by
// the resolved name, record type and value.
func NewDNSRecord(name, recordType, value string) *Item {
	it := New(KindInformation, SubtypeDNSRecord, map[string]any{
		"name":  name,
		"rtype": recordType,
		"value": value,
	})
	it.Attrs["name"] = name
	it.Attrs["rtype"] = recordType
	it.Attrs["value"] = value
	return it
}

// NewVulnerability creates a VULNERABILITY item. Identity is keyed by the
// affected resource's identity plus the vulnerability's own subtype and
// title, so the same flaw reported twice against the same resource merges.
func NewVulnerability(subtype, affectedIdentity, title string) *Item {
	it := New(KindVulnerability, subtype, map[string]any{
		"affects": affectedIdentity,
		"title":   title,
	})
	it.Attrs["affects"] = affectedIdentity
	it.Attrs["title"] = title
	return it
}
