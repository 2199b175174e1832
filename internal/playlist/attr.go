package playlist

// AttrValue is an attribute value scanned from a tag line, with the exact
// byte span it occupies in the scanned text.
type AttrValue struct {
	Value string
	// Start and End delimit the value in the source, quotes included.
	Start, End int
	// Quote is the quote character that delimited the value, or 0 if unquoted.
	Quote byte
}

// ScanAttrValue reads the attribute value at the start of s.
//
// A value opening with '"' or '\'' runs to the next matching quote; an
// unquoted value runs to the next ',' or the end of s. There is no escape
// handling, so a quoted value containing its own quote character ends at
// that character. It reports false for empty input or an unterminated quote.
func ScanAttrValue(s string) (AttrValue, bool) {
	if s == "" {
		return AttrValue{}, false
	}

	if q := s[0]; q == '"' || q == '\'' {
		for i := 1; i < len(s); i++ {
			if s[i] == q {
				return AttrValue{Value: s[1:i], Start: 0, End: i + 1, Quote: q}, true
			}
		}
		return AttrValue{}, false
	}

	for i := 0; i < len(s); i++ {
		if s[i] == ',' {
			return AttrValue{Value: s[:i], Start: 0, End: i}, true
		}
	}
	return AttrValue{Value: s, Start: 0, End: len(s)}, true
}
