package ipfs

import "regexp"

// CIDv0 is 'Qm' followed by 44 base58 characters; CIDv1 as produced by the
// registry is 'bafy' followed by 55 alphanumeric characters.
var (
	cidV0Pattern = regexp.MustCompile(`^Qm[1-9A-HJ-NP-Za-km-z]{44}$`)
	cidV1Pattern = regexp.MustCompile(`^bafy[a-zA-Z0-9]{55}$`)
)

// ValidCID reports whether s is a well-formed content identifier.
func ValidCID(s string) bool {
	if s == "" {
		return false
	}
	return cidV0Pattern.MatchString(s) || cidV1Pattern.MatchString(s)
}
