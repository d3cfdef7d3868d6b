package artifact

import (
	"net/url"
	"regexp"
	"sort"
	"strings"
)

// Core patterns, hardened against the obfuscations NormalizeText unifies.
// Go's regexp has no lookaround, so digit-adjacency guards from the phone
// and account patterns are enforced by digitBounded after matching.
var (
	// Indian mobile: optional +91 / trunk 0 prefix, separators allowed.
	phoneRE = regexp.MustCompile(`(?:\+?91[\s-]?)?(?:0[\s-]?)?([6-9](?:[\s-]?\d){9})`)

	emailRE = regexp.MustCompile(`(?i)\b[a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,}\b`)

	urlRE = regexp.MustCompile(`(?i)\bhttps?://[^\s<>()\[\]{}"'|\\^` + "`" + `]+`)
	// Scheme-less links are structurally close to a URL but not canonicalizable
	// without guessing; they land in the invalid bucket.
	bareLinkRE = regexp.MustCompile(`(?i)\bwww\.[^\s<>()\[\]{}"'|\\^` + "`" + `]+`)

	upiRE = regexp.MustCompile(`(?i)\b([a-z0-9][a-z0-9._\-]+)\s*@\s*([a-z]{2,})\b`)

	acctCtxRE = regexp.MustCompile(`(?i)\b(?:a/?c|acct|account)\s*(?:no\.?|number)?\s*[:\-]?\s*(\d{9,18})`)
	digitRunRE = regexp.MustCompile(`\d{6,24}`)
	acctHintRE = regexp.MustCompile(`(?i)(?:a/?c|acct|account)`)

	upiHandleRE = regexp.MustCompile(`^[a-z0-9][a-z0-9._\-]+$`)
	pspRE       = regexp.MustCompile(`^[a-z]{2,}$`)
)

const urlTrailingPunct = `).,;!?'"]}>`

// Extractor runs the compiled core extractors plus the recognizer registry's
// identifier family over normalized text.
type Extractor struct {
	registry *Registry
}

// NewExtractor builds an extractor over the given recognizer registry.
func NewExtractor(reg *Registry) *Extractor {
	return &Extractor{registry: reg}
}

// Extract returns every artifact found in text, valid and invalid, already
// deduplicated by (category, canonical). Output order is deterministic:
// category report order, then canonical value.
func (e *Extractor) Extract(text string) []Artifact {
	t := NormalizeText(text)
	if t == "" {
		return nil
	}

	var out []Artifact
	out = append(out, extractPhones(t)...)
	out = append(out, extractAccounts(t)...)
	out = append(out, extractUPIs(t)...)
	out = append(out, extractURLs(t)...)
	out = append(out, extractEmails(t)...)
	if e.registry != nil {
		out = append(out, e.registry.Extract(t)...)
	}
	return dedupeSorted(out)
}

// --- Phones ---

// CanonicalizePhone reduces a candidate to E.164 (+91 followed by a 10-digit
// mobile). ok is false when the digits do not form a valid Indian mobile.
func CanonicalizePhone(raw string) (string, bool) {
	d := onlyDigits(raw)
	if strings.HasPrefix(d, "91") && len(d) >= 12 {
		d = d[2:]
	}
	if strings.HasPrefix(d, "0") && len(d) >= 11 {
		d = d[1:]
	}
	if len(d) == 10 && d[0] >= '6' && d[0] <= '9' {
		return "+91" + d, true
	}
	return d, false
}

func extractPhones(t string) []Artifact {
	var out []Artifact
	for _, loc := range phoneRE.FindAllStringSubmatchIndex(t, -1) {
		if !digitBounded(t, loc[0], loc[1]) {
			continue
		}
		raw := t[loc[0]:loc[1]]
		canonical, ok := CanonicalizePhone(raw)
		if canonical == "" {
			continue
		}
		out = append(out, Artifact{Category: CategoryPhone, Raw: raw, Canonical: canonical, Valid: ok})
	}
	return out
}

// digitBounded reports whether the match at [start,end) is not embedded in a
// longer digit run.
func digitBounded(t string, start, end int) bool {
	if start > 0 && t[start-1] >= '0' && t[start-1] <= '9' {
		return false
	}
	if end < len(t) && t[end] >= '0' && t[end] <= '9' {
		return false
	}
	return true
}

// --- Emails ---

// CanonicalizeEmail lowercases and validates against a conservative
// RFC-bounded subset.
func CanonicalizeEmail(raw string) (string, bool) {
	c := strings.ToLower(strings.TrimSpace(raw))
	return c, emailRE.MatchString(c) && !strings.Contains(c, " ")
}

func extractEmails(t string) []Artifact {
	var out []Artifact
	for _, raw := range emailRE.FindAllString(t, -1) {
		canonical, ok := CanonicalizeEmail(raw)
		out = append(out, Artifact{Category: CategoryEmail, Raw: raw, Canonical: canonical, Valid: ok})
	}
	return out
}

// --- URLs ---

// CanonicalizeURL lowercases scheme and host, sorts query parameters by key,
// and strips trailing punctuation. ok is false for non-http(s) schemes,
// loopback hosts, or unparseable input.
func CanonicalizeURL(raw string) (string, bool) {
	raw = strings.TrimRight(raw, urlTrailingPunct)
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return raw, false
	}
	u.Scheme = strings.ToLower(u.Scheme)
	if u.Scheme != "http" && u.Scheme != "https" {
		return raw, false
	}
	u.Host = strings.ToLower(u.Host)
	host := u.Hostname()
	if host == "localhost" || host == "127.0.0.1" || strings.HasSuffix(host, ".local") {
		return raw, false
	}
	if u.RawQuery != "" {
		q := u.Query()
		keys := make([]string, 0, len(q))
		for k := range q {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var b strings.Builder
		for _, k := range keys {
			vals := q[k]
			sort.Strings(vals)
			for _, v := range vals {
				if b.Len() > 0 {
					b.WriteByte('&')
				}
				b.WriteString(url.QueryEscape(k))
				b.WriteByte('=')
				b.WriteString(url.QueryEscape(v))
			}
		}
		u.RawQuery = b.String()
	}
	u.Fragment = ""
	return u.String(), true
}

func extractURLs(t string) []Artifact {
	var out []Artifact
	for _, raw := range urlRE.FindAllString(t, -1) {
		canonical, ok := CanonicalizeURL(raw)
		out = append(out, Artifact{Category: CategoryURL, Raw: raw, Canonical: canonical, Valid: ok})
	}
	// Scheme-less www links: retained, never canonicalized.
	for _, raw := range bareLinkRE.FindAllString(t, -1) {
		trimmed := strings.TrimRight(raw, urlTrailingPunct)
		out = append(out, Artifact{Category: CategoryURL, Raw: raw, Canonical: strings.ToLower(trimmed), Valid: false})
	}
	return out
}

// --- UPI handles ---

// CanonicalizeUPI lowercases the whole handle@provider string and strips
// internal spacing. ok is false when the handle or provider part fails the
// structural check (providers are strictly alphabetic).
func CanonicalizeUPI(raw string) (string, bool) {
	c := strings.ToLower(strings.ReplaceAll(raw, " ", ""))
	handle, psp, found := strings.Cut(c, "@")
	if !found {
		return c, false
	}
	return c, upiHandleRE.MatchString(handle) && pspRE.MatchString(psp)
}

func extractUPIs(t string) []Artifact {
	emailSpans := emailRE.FindAllStringIndex(t, -1)
	var out []Artifact
	for _, loc := range upiRE.FindAllStringIndex(t, -1) {
		if overlapsAny(loc, emailSpans) {
			continue // an email address also matches the UPI shape
		}
		raw := t[loc[0]:loc[1]]
		canonical, ok := CanonicalizeUPI(raw)
		out = append(out, Artifact{Category: CategoryUPI, Raw: raw, Canonical: canonical, Valid: ok})
	}
	return out
}

func overlapsAny(loc []int, spans [][]int) bool {
	for _, s := range spans {
		if loc[0] < s[1] && s[0] < loc[1] {
			return true
		}
	}
	return false
}

// --- Bank accounts ---

// CanonicalizeAccount reduces a candidate to its digit string. ok is false
// outside the 9-18 digit range banks actually issue.
func CanonicalizeAccount(raw string) (string, bool) {
	d := onlyDigits(raw)
	return d, len(d) >= 9 && len(d) <= 18
}

func extractAccounts(t string) []Artifact {
	seen := make(map[string]bool)
	var out []Artifact

	for _, m := range acctCtxRE.FindAllStringSubmatch(t, -1) {
		canonical, ok := CanonicalizeAccount(m[1])
		if seen[canonical] {
			continue
		}
		seen[canonical] = true
		out = append(out, Artifact{Category: CategoryBankAccount, Raw: m[1], Canonical: canonical, Valid: ok})
	}

	// Standalone digit runs count only with account context shortly before
	// them; without context a long number is more likely a phone or id.
	for _, loc := range digitRunRE.FindAllStringIndex(t, -1) {
		if !digitBounded(t, loc[0], loc[1]) {
			continue
		}
		raw := t[loc[0]:loc[1]]
		canonical, ok := CanonicalizeAccount(raw)
		if seen[canonical] {
			continue
		}
		ctxStart := loc[0] - 24
		if ctxStart < 0 {
			ctxStart = 0
		}
		if !acctHintRE.MatchString(t[ctxStart:loc[0]]) {
			continue
		}
		seen[canonical] = true
		out = append(out, Artifact{Category: CategoryBankAccount, Raw: raw, Canonical: canonical, Valid: ok})
	}
	return out
}

// dedupeSorted removes (category, canonical) duplicates and orders output
// deterministically so extraction is stable under repeated runs.
func dedupeSorted(in []Artifact) []Artifact {
	seen := make(map[string]bool, len(in))
	out := in[:0]
	for _, a := range in {
		if a.Canonical == "" || seen[a.Key()] {
			continue
		}
		seen[a.Key()] = true
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Category != out[j].Category {
			return out[i].Category < out[j].Category
		}
		return out[i].Canonical < out[j].Canonical
	})
	return out
}
