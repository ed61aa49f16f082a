package patent

import "strings"

var separatorReplacer = strings.NewReplacer(",", "", "/", "", "-", "")

// Kind-code and country fragments removed from granted patent numbers, one
// after another in this order. Each removal is a plain substring replace, so
// a number that happens to contain one of these sequences is altered as well,
// and an earlier removal can expose a later match.
var grantedStripFragments = []string{"US", "B1", "B2", "A1"}

// Normalize never fails. Identifiers that make no sense still produce a
// best-effort number that simply will not be found upstream.
func Normalize(raw string, patentType PatentType) (string, FieldType) {
	clean := separatorReplacer.Replace(strings.TrimSpace(raw))
	if patentType == TypeApplication {
		if len(clean) == 11 && strings.HasPrefix(clean, "20") {
			return clean, FieldPublicationNumber
		}
		return clean, FieldApplicationNumber
	}
	for _, frag := range grantedStripFragments {
		clean = strings.ReplaceAll(clean, frag, "")
	}
	return strings.TrimSpace(clean), FieldPatentNumber
}
