package relay

import "unicode/utf16"

// UTF16ByteLen reports the size of s in UTF-16 code-unit bytes, matching how
// the serverless execution environment meters string memory: two bytes per
// code unit, four for runes outside the basic multilingual plane.
func UTF16ByteLen(s string) int64 {
	var units int64
	for _, r := range s {
		if n := utf16.RuneLen(r); n > 0 {
			units += int64(n)
		} else {
			units++
		}
	}
	return 2 * units
}
