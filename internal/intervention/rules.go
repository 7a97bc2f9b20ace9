package intervention

import (
	"net/url"
	"strings"

	"github.com/lewta/drone-orchd/internal/paramtree"
)

var affirmativeTraitKeys = map[string]struct{}{
	"requireintervention":       {},
	"requiresintervention":      {},
	"alwaysrequireintervention": {},
	"manualreview":              {},
	"manual_review":             {},
	"forceintervention":         {},
}

var hostKeyNames = map[string]struct{}{
	"domain": {}, "domains": {}, "host": {}, "hosts": {}, "interventiondomains": {},
}

var pathKeyNames = map[string]struct{}{
	"path": {}, "paths": {}, "interventionpaths": {},
}

var keywordKeyNames = map[string]struct{}{
	"keyword": {}, "keywords": {}, "contains": {}, "interventionkeywords": {},
}

// CheckForIntervention is a pure predicate: it reports whether a navigation
// to rawURL under the given persona's traits should trigger a manual
// intervention, checked upstream of dispatch so an intervention can be
// initiated before — rather than reactively after — the drone acts.
//
// It returns true if persona carries an affirmative intervention flag, or
// if the URL's host/path/full string matches anything registered under the
// recognised domain/path/keyword keys (including nested "interventionRules"
// mappings), recursively, case-insensitively.
func CheckForIntervention(rawURL string, persona paramtree.Value) bool {
	u, _ := url.Parse(rawURL)
	host, path := "", ""
	if u != nil {
		host = strings.ToLower(u.Hostname())
		path = strings.ToLower(u.Path)
	}
	full := strings.ToLower(rawURL)

	triggered := false
	persona.Walk(func(key string, val paramtree.Value) {
		if triggered {
			return
		}
		lowerKey := strings.ToLower(key)

		if _, ok := affirmativeTraitKeys[lowerKey]; ok {
			if b, ok := val.Bool(); ok && b {
				triggered = true
			}
			return
		}

		if _, ok := hostKeyNames[lowerKey]; ok {
			if matchSuffix(val, host) {
				triggered = true
			}
			return
		}
		if _, ok := pathKeyNames[lowerKey]; ok {
			if matchContains(val, path) {
				triggered = true
			}
			return
		}
		if _, ok := keywordKeyNames[lowerKey]; ok {
			if matchContains(val, full) {
				triggered = true
			}
			return
		}
	})

	return triggered
}

func matchSuffix(val paramtree.Value, host string) bool {
	found := false
	forEachString(val, func(s string) {
		if s != "" && strings.HasSuffix(host, strings.ToLower(s)) {
			found = true
		}
	})
	return found
}

func matchContains(val paramtree.Value, haystack string) bool {
	found := false
	forEachString(val, func(s string) {
		if s != "" && strings.Contains(haystack, strings.ToLower(s)) {
			found = true
		}
	})
	return found
}

// forEachString visits every string leaf reachable from val, whether val is
// itself a string, an array of strings, or a nested object/array mixture
// (interventionRules may be an arbitrarily nested mapping or sequence).
func forEachString(val paramtree.Value, fn func(string)) {
	if s, ok := val.String(); ok {
		fn(s)
		return
	}
	if arr, ok := val.Array(); ok {
		for _, e := range arr {
			forEachString(e, fn)
		}
		return
	}
	if obj, ok := val.Object(); ok {
		for _, e := range obj {
			forEachString(e, fn)
		}
	}
}
