package convert

// scrubNonFinite rewrites the bare Infinity, -Infinity, and NaN
// tokens some transformers configs emit into 0 so encoding/json will
// accept them. Only whole tokens outside quoted strings are touched;
// the affected fields are model-side metadata the converter never
// reads.
func scrubNonFinite(in []byte) []byte {
	if len(in) == 0 {
		return in
	}

	out := make([]byte, 0, len(in))
	inString := false
	escape := false

	for i := 0; i < len(in); {
		c := in[i]

		if inString {
			out = append(out, c)
			if escape {
				escape = false
			} else if c == '\\' {
				escape = true
			} else if c == '"' {
				inString = false
			}
			i++
			continue
		}

		if c == '"' {
			inString = true
			out = append(out, c)
			i++
			continue
		}

		matched := false
		for _, tok := range []string{"-Infinity", "Infinity", "NaN"} {
			if hasBareToken(in, i, tok) {
				out = append(out, '0')
				i += len(tok)
				matched = true
				break
			}
		}
		if matched {
			continue
		}

		out = append(out, c)
		i++
	}

	return out
}

// hasBareToken reports whether tok appears at position at as a whole
// JSON value, bounded by structural characters or whitespace.
func hasBareToken(in []byte, at int, tok string) bool {
	end := at + len(tok)
	if end > len(in) || string(in[at:end]) != tok {
		return false
	}

	if at > 0 {
		switch b := in[at-1]; {
		case b == ':' || b == ',' || b == '[':
		case b == ' ' || b == '\t' || b == '\n' || b == '\r':
		default:
			return false
		}
	}

	if end < len(in) {
		switch b := in[end]; {
		case b == ',' || b == ']' || b == '}':
		case b == ' ' || b == '\t' || b == '\n' || b == '\r':
		default:
			return false
		}
	}

	return true
}
