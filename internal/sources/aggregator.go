// Package sources turns the citation snapshots of an answer stream into an
// ordered, de-duplicated list of labelled references.
package sources

import (
	"net"
	"net/url"
	"strings"
	"unicode/utf8"

	"golang.org/x/net/publicsuffix"
)

const maxLabelRunes = 48

// Ref is a citation with a short display label.
type Ref struct {
	Reference string `json:"reference"`
	Label     string `json:"label"`
}

// Aggregator holds the current citation list of one turn. The zero value is
// ready to use.
type Aggregator struct {
	refs []Ref
}

// Apply replaces the list with snapshot. References that were already known
// keep their first-seen position, new ones are appended in snapshot order
// and references missing from snapshot are dropped. Duplicates are keyed on
// the raw reference string.
func (a *Aggregator) Apply(snapshot []string) {
	present := make(map[string]bool, len(snapshot))
	for _, ref := range snapshot {
		if ref != "" {
			present[ref] = true
		}
	}

	next := make([]Ref, 0, len(present))
	seen := make(map[string]bool, len(present))
	for _, r := range a.refs {
		if present[r.Reference] && !seen[r.Reference] {
			seen[r.Reference] = true
			next = append(next, r)
		}
	}
	for _, ref := range snapshot {
		if ref == "" || seen[ref] {
			continue
		}
		seen[ref] = true
		next = append(next, Ref{Reference: ref, Label: Label(ref)})
	}
	a.refs = next
}

// List returns a copy of the current references.
func (a *Aggregator) List() []Ref {
	out := make([]Ref, len(a.refs))
	copy(out, a.refs)
	return out
}

// Len returns the number of references.
func (a *Aggregator) Len() int { return len(a.refs) }

// Reset forgets every reference.
func (a *Aggregator) Reset() { a.refs = nil }

// Label derives a best-effort display label from a reference: the
// registrable domain for web URLs ("docs.python.org" -> "python.org"), the
// bare host for IPs and single-label hosts, or the shortened reference
// itself when it is not a URL.
func Label(ref string) string {
	ref = strings.TrimSpace(ref)
	host := hostOf(ref)
	if host == "" {
		return shorten(ref)
	}
	host = strings.TrimPrefix(strings.ToLower(host), "www.")
	if net.ParseIP(host) != nil || !strings.Contains(host, ".") {
		return host
	}
	if domain, err := publicsuffix.EffectiveTLDPlusOne(host); err == nil {
		return domain
	}
	return host
}

func hostOf(ref string) string {
	candidate := ref
	if !strings.Contains(candidate, "://") {
		// Bare domains such as "example.com/page" still deserve a domain label.
		first, _, _ := strings.Cut(candidate, "/")
		if !strings.Contains(first, ".") || strings.ContainsAny(first, " \t") {
			return ""
		}
		candidate = "https://" + candidate
	}
	u, err := url.Parse(candidate)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

func shorten(s string) string {
	if utf8.RuneCountInString(s) <= maxLabelRunes {
		return s
	}
	runes := []rune(s)
	return string(runes[:maxLabelRunes-1]) + "…"
}
