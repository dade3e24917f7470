package prefilter

import (
	"regexp"
	"strings"
	"unicode"

	"corr/internal/evidence"
)

var (
	// Tracker issue keys: AUTH-123, PLAT2-9. Applied case-sensitively to
	// prose and case-insensitively to branch names, where convention
	// lowercases the key.
	issueKeyRE       = regexp.MustCompile(`\b[A-Z][A-Z0-9]+-\d+\b`)
	branchIssueKeyRE = regexp.MustCompile(`(?i)\b[A-Z][A-Z0-9]+-\d+\b`)

	// Git object references: at least 7 hex characters. The alphabet
	// admits all-digit runs, so hashRefs drops matches without a letter.
	hashRefRE = regexp.MustCompile(`\b[0-9a-f]{7,40}\b`)

	// Merge request / pull request references: !42, #42, platform/api!42.
	mrRefRE = regexp.MustCompile(`(?:^|[\s(])([A-Za-z0-9_./-]+)?[!#](\d+)\b`)
)

// stopWords are removed from title tokens before overlap scoring.
var stopWords = map[string]struct{}{
	"a": {}, "an": {}, "the": {}, "of": {}, "in": {}, "on": {}, "at": {},
	"to": {}, "for": {}, "and": {}, "or": {}, "is": {}, "are": {}, "was": {},
	"were": {}, "be": {}, "been": {}, "by": {}, "with": {}, "from": {},
	"as": {}, "this": {}, "that": {}, "it": {}, "its": {}, "into": {},
	"over": {}, "under": {}, "when": {}, "then": {}, "than": {},
}

type mrRef struct {
	project string
	number  string
}

// itemFeatures caches everything the rules need per evidence item so
// each pass stays a scan over precomputed values.
type itemFeatures struct {
	fp     evidence.Fingerprint
	item   *evidence.Evidence
	person string // canonical author id, empty when unresolved

	ngrams     map[string]struct{}
	issueKeys  []string
	hashRefs   []string
	mrRefs     []mrRef
	branchKeys []string
}

func buildFeatures(arena *evidence.Arena, resolve IdentityResolver) []itemFeatures {
	items := arena.Items()
	out := make([]itemFeatures, 0, len(items))
	for _, item := range items {
		f := itemFeatures{
			fp:     item.Fingerprint(),
			item:   item,
			person: canonicalAuthor(item, resolve),
			ngrams: titleNgrams(item.Title),
		}
		text := item.Title + "\n" + item.Body
		f.issueKeys = dedupStrings(issueKeyRE.FindAllString(text, -1))
		f.hashRefs = hashRefs(text)
		f.mrRefs = extractMRRefs(text)
		f.branchKeys = branchIssueKeys(item)
		out = append(out, f)
	}
	return out
}

// canonicalAuthor resolves the platform handle through the identity map.
// Without a map the raw handle stands in as the canonical id; with a map,
// unmapped handles disable author-based rules for the item.
func canonicalAuthor(item *evidence.Evidence, resolve IdentityResolver) string {
	if item.Author == "" {
		return ""
	}
	if resolve == nil {
		return item.Author
	}
	id, ok := resolve.Resolve(item.Source, item.Author)
	if !ok {
		return ""
	}
	return id
}

// hashRefs extracts commit-object references from text. Dates and other
// numeric ids satisfy the hex alphabet, so a token only counts as a hash
// when it carries at least one letter.
func hashRefs(text string) []string {
	matches := hashRefRE.FindAllString(strings.ToLower(text), -1)
	out := matches[:0]
	for _, m := range matches {
		if strings.ContainsAny(m, "abcdef") {
			out = append(out, m)
		}
	}
	return dedupStrings(out)
}

func extractMRRefs(text string) []mrRef {
	matches := mrRefRE.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return nil
	}
	seen := make(map[mrRef]struct{}, len(matches))
	var out []mrRef
	for _, m := range matches {
		ref := mrRef{project: m[1], number: m[2]}
		if _, dup := seen[ref]; dup {
			continue
		}
		seen[ref] = struct{}{}
		out = append(out, ref)
	}
	return out
}

// branchIssueKeys pulls issue keys out of branch-like attributes,
// normalized to upper case.
func branchIssueKeys(item *evidence.Evidence) []string {
	var keys []string
	for _, attr := range []string{evidence.AttrBranch, evidence.AttrSourceRef} {
		v, ok := item.Attr(attr)
		if !ok {
			continue
		}
		for _, ref := range v.AsList() {
			for _, m := range branchIssueKeyRE.FindAllString(ref, -1) {
				keys = append(keys, strings.ToUpper(m))
			}
		}
	}
	return dedupStrings(keys)
}

func dedupStrings(in []string) []string {
	if len(in) < 2 {
		return in
	}
	seen := make(map[string]struct{}, len(in))
	out := in[:0]
	for _, s := range in {
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

// tokenize lowercases, splits on non-alphanumeric runes (keeping hyphens
// inside compound tokens), and removes stop words.
func tokenize(title string) []string {
	fields := strings.FieldsFunc(strings.ToLower(title), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '-'
	})
	out := fields[:0]
	for _, tok := range fields {
		tok = strings.Trim(tok, "-")
		if tok == "" {
			continue
		}
		if _, stop := stopWords[tok]; stop {
			continue
		}
		out = append(out, tok)
	}
	return out
}

// titleNgrams builds the character 3-gram set of the tokenized title.
// Tokens shorter than three runes contribute themselves.
func titleNgrams(title string) map[string]struct{} {
	grams := make(map[string]struct{})
	for _, tok := range tokenize(title) {
		runes := []rune(tok)
		if len(runes) < 3 {
			grams[tok] = struct{}{}
			continue
		}
		for i := 0; i+3 <= len(runes); i++ {
			grams[string(runes[i:i+3])] = struct{}{}
		}
	}
	return grams
}

func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	small, large := a, b
	if len(small) > len(large) {
		small, large = large, small
	}
	inter := 0
	for g := range small {
		if _, ok := large[g]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}
