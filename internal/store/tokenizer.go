package store

import (
	"regexp"
	"strings"
	"unicode"
)

var wordPattern = regexp.MustCompile(`[a-zA-Z0-9_]+`)

// defaultLexicalStopWords are language keywords filtered from the
// lexical index; they appear in nearly every source file and carry no
// retrieval signal.
var defaultLexicalStopWords = []string{
	"func", "function", "def", "class", "return", "import", "from",
	"const", "var", "let", "int", "string", "bool", "void", "nil",
	"null", "true", "false", "this", "self", "new", "public",
	"private", "static", "if", "else", "for", "while", "the", "and",
}

// TokenizeIdentifiers splits text with identifier-aware rules: words
// break on punctuation, then camelCase, PascalCase, and snake_case
// boundaries, lowercased, with tokens under two characters dropped.
func TokenizeIdentifiers(text string) []string {
	var tokens []string
	for _, word := range wordPattern.FindAllString(text, -1) {
		for _, part := range splitIdentifierParts(word) {
			lower := strings.ToLower(part)
			if len(lower) >= 2 {
				tokens = append(tokens, lower)
			}
		}
	}
	return tokens
}

// splitIdentifierParts breaks snake_case first, then camel boundaries
// within each segment.
func splitIdentifierParts(token string) []string {
	if !strings.Contains(token, "_") {
		return splitCamel(token)
	}
	var parts []string
	for _, seg := range strings.Split(token, "_") {
		if seg != "" {
			parts = append(parts, splitCamel(seg)...)
		}
	}
	return parts
}

// splitCamel breaks camelCase and PascalCase, keeping acronym runs
// together: "parseHTTPRequest" yields ["parse", "HTTP", "Request"].
func splitCamel(s string) []string {
	if s == "" {
		return []string{}
	}
	var parts []string
	var cur strings.Builder
	runes := []rune(s)
	for i, r := range runes {
		if i > 0 && unicode.IsUpper(r) {
			prevLower := unicode.IsLower(runes[i-1])
			nextLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])
			if prevLower || nextLower {
				if cur.Len() > 0 {
					parts = append(parts, cur.String())
					cur.Reset()
				}
			}
		}
		cur.WriteRune(r)
	}
	if cur.Len() > 0 {
		parts = append(parts, cur.String())
	}
	return parts
}

func stopWordSet(words []string) map[string]struct{} {
	set := make(map[string]struct{}, len(words))
	for _, w := range words {
		set[strings.ToLower(w)] = struct{}{}
	}
	return set
}
