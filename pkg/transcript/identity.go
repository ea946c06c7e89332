package transcript

import (
	"strings"
	"unicode"
)

// RegistrationKeyword is the word the tutor is instructed to use when
// confirming a student's name ("Am inregistrat numele tau, Maria.").
const RegistrationKeyword = "inregistrat"

// Resolver extracts the student's name from flushed agent lines. It fires
// at most once per session: after a successful extraction the trigger
// condition (placeholder still active) is gone and Resolve is a no-op.
type Resolver struct {
	keyword  string
	resolved bool
}

// NewResolver matches the default registration keyword.
func NewResolver() *Resolver {
	return &Resolver{keyword: RegistrationKeyword}
}

// Resolve inspects one agent line. It returns the extracted name once; an
// ambiguous line (keyword present, no clean candidate) is a no-op and the
// next qualifying line is inspected again.
func (r *Resolver) Resolve(agentText string) (string, bool) {
	if r.resolved {
		return "", false
	}
	name := ExtractName(agentText, r.keyword)
	if name == "" {
		return "", false
	}
	r.resolved = true
	return name, true
}

// Reset re-arms the resolver for a new session.
func (r *Resolver) Reset() {
	r.resolved = false
}

// ExtractName finds the keyword (case-insensitive, diacritics folded, so
// "înregistrat" matches too) and returns the first capitalized token run
// after it, stopping at terminating punctuation. Returns "" when no clean
// candidate exists.
func ExtractName(text, keyword string) string {
	runes := []rune(text)
	folded := make([]rune, len(runes))
	for i, r := range runes {
		folded[i] = foldRune(r)
	}
	kw := []rune(strings.ToLower(keyword))
	at := indexRunes(folded, kw)
	if at < 0 {
		return ""
	}
	tail := string(runes[at+len(kw):])

	var name []string
	for _, token := range strings.Fields(tail) {
		word, terminal := trimToken(token)
		if word == "" {
			if terminal && len(name) > 0 {
				break
			}
			continue
		}
		first := []rune(word)[0]
		if unicode.IsUpper(first) {
			name = append(name, word)
			if terminal {
				break
			}
			continue
		}
		// A lowercase token after the name has started ends the run.
		if len(name) > 0 {
			break
		}
		if terminal {
			break
		}
	}
	return strings.Join(name, " ")
}

// trimToken strips punctuation around a token and reports whether the token
// ends its sentence (., !, ?). Commas, colons and semicolons are soft
// separators: "Am inregistrat numele: Maria." still yields Maria.
func trimToken(token string) (word string, terminal bool) {
	trimmed := strings.TrimFunc(token, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r) && r != '-'
	})
	rest := token
	if trimmed != "" {
		if i := strings.Index(token, trimmed); i >= 0 {
			rest = token[i+len(trimmed):]
		}
	}
	terminal = strings.ContainsAny(rest, ".!?")
	return trimmed, terminal
}

func indexRunes(haystack, needle []rune) int {
	if len(needle) == 0 || len(haystack) < len(needle) {
		return -1
	}
	for i := 0; i+len(needle) <= len(haystack); i++ {
		match := true
		for j := range needle {
			if haystack[i+j] != needle[j] {
				match = false
				break
			}
		}
		if match {
			return i
		}
	}
	return -1
}

// foldRune lowercases and maps the Romanian and German diacritics that show
// up in tutor speech onto their ASCII base letters.
func foldRune(r rune) rune {
	r = unicode.ToLower(r)
	switch r {
	case 'ă', 'â', 'à', 'á', 'ä':
		return 'a'
	case 'î', 'ì', 'í', 'ï':
		return 'i'
	case 'ș', 'ş':
		return 's'
	case 'ț', 'ţ':
		return 't'
	case 'é', 'è', 'ê', 'ë':
		return 'e'
	case 'ö', 'ó', 'ò':
		return 'o'
	case 'ü', 'ú', 'ù':
		return 'u'
	case 'ß':
		return 's'
	}
	return r
}
