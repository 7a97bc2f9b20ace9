// Package domain implements registrable-domain resolution (PublicSuffixIndex)
// and the per-domain concurrency/QPS/burst limiter (DomainLimiter).
package domain

import (
	"bufio"
	"io"
	"strings"

	"github.com/miekg/dns"
	"github.com/rs/zerolog/log"
	"golang.org/x/net/idna"
)

// fallbackRules is used when no public-suffix list is supplied.
var fallbackRules = []string{"com", "net", "org", "uk", "co.uk"}

// minSuffixListLines is the spec.md §6 floor for PUBLIC_SUFFIX_LIST_PATH: a
// custom list with fewer non-empty lines than this is rejected in favor of
// the built-in fallback, since it's more likely a misconfigured path (an
// empty or near-empty file) than a genuine PSL snapshot.
const minSuffixListLines = 100

type ruleKind int

const (
	ruleExact ruleKind = iota
	ruleWildcard
	ruleException
)

type rule struct {
	kind   ruleKind
	labels []string // right-to-left order already reversed for comparison
}

// PublicSuffixIndex computes the registrable domain for a host using a
// parsed public-suffix rule set (exact rules, "*." wildcards, "!"
// exceptions), walking labels right-to-left to find the longest match.
type PublicSuffixIndex struct {
	rules []rule
}

// NewPublicSuffixIndex parses a public-suffix list from r. Each line is a
// rule; blank lines and lines starting with "//" are ignored. Per spec.md §6,
// a list with fewer than minSuffixListLines non-empty lines is rejected in
// favor of the built-in fallback rules, with a warning logged.
func NewPublicSuffixIndex(r io.Reader) (*PublicSuffixIndex, error) {
	idx := &PublicSuffixIndex{}
	var nonEmpty int
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		nonEmpty++
		if strings.HasPrefix(line, "//") {
			continue
		}
		idx.rules = append(idx.rules, parseRule(line))
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if nonEmpty < minSuffixListLines {
		log.Warn().Int("non_empty_lines", nonEmpty).Int("required", minSuffixListLines).
			Msg("domain: public suffix list too small, using built-in fallback rules")
		idx.rules = nil
		idx.loadFallback()
	} else if len(idx.rules) == 0 {
		idx.loadFallback()
	}
	return idx, nil
}

// NewFallbackPublicSuffixIndex builds an index from the built-in fallback
// rule set, used when no list file is configured.
func NewFallbackPublicSuffixIndex() *PublicSuffixIndex {
	idx := &PublicSuffixIndex{}
	idx.loadFallback()
	return idx
}

func (idx *PublicSuffixIndex) loadFallback() {
	log.Warn().Msg("domain: no public suffix list available, using built-in fallback rules")
	for _, r := range fallbackRules {
		idx.rules = append(idx.rules, parseRule(r))
	}
}

func parseRule(line string) rule {
	kind := ruleExact
	switch {
	case strings.HasPrefix(line, "!"):
		kind = ruleException
		line = line[1:]
	case strings.HasPrefix(line, "*."):
		kind = ruleWildcard
	}
	labels := strings.Split(line, ".")
	reversed := make([]string, len(labels))
	for i, l := range labels {
		reversed[len(labels)-1-i] = l
	}
	return rule{kind: kind, labels: reversed}
}

// matches reports whether rule r matches the reversed label list hostLabels
// (both ordered right-to-left: TLD first).
func (r rule) matches(hostLabels []string) bool {
	if len(r.labels) > len(hostLabels) {
		return false
	}
	for i, l := range r.labels {
		if l != "*" && l != hostLabels[i] {
			return false
		}
	}
	return true
}

// Registrable returns the registrable domain for host (a bare host or a
// full URL). It lower-cases, punycode-encodes, and splits on ".". Returns
// the host unchanged when it is not a DNS name; returns "" for empty or
// whitespace-only input.
func (idx *PublicSuffixIndex) Registrable(hostOrURL string) string {
	host := extractHost(hostOrURL)
	host = strings.TrimSpace(host)
	if host == "" {
		return ""
	}
	host = strings.ToLower(host)

	encoded, err := idna.Lookup.ToASCII(host)
	if err == nil {
		host = encoded
	}

	if _, ok := dns.IsDomainName(host); !ok {
		return host
	}

	labels := strings.Split(strings.TrimSuffix(host, "."), ".")
	reversed := make([]string, len(labels))
	for i, l := range labels {
		reversed[len(labels)-1-i] = l
	}

	bestLen := 0
	exception := false
	for _, r := range idx.rules {
		if !r.matches(reversed) {
			continue
		}
		n := len(r.labels)
		if r.kind == ruleException {
			n--
			if !exception || n > bestLen {
				bestLen = n
			}
			exception = true
			continue
		}
		if !exception && n > bestLen {
			bestLen = n
		}
	}

	need := bestLen + 1
	if need > len(labels) {
		need = len(labels)
	}
	if need <= 0 {
		return host
	}
	return strings.Join(labels[len(labels)-need:], ".")
}

// extractHost strips a scheme/path/port from a value that may be a full
// URL, returning just the hostname.
func extractHost(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.Index(s, "://"); i >= 0 {
		s = s[i+3:]
	}
	if i := strings.IndexAny(s, "/?#"); i >= 0 {
		s = s[:i]
	}
	if i := strings.LastIndex(s, "@"); i >= 0 {
		s = s[i+1:]
	}
	if strings.HasPrefix(s, "[") {
		if i := strings.Index(s, "]"); i >= 0 {
			return s[:i+1]
		}
	}
	if i := strings.LastIndex(s, ":"); i >= 0 {
		if !strings.Contains(s[i+1:], ":") {
			s = s[:i]
		}
	}
	return s
}
