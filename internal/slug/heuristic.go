package slug

import (
	"context"
	"strings"
	"unicode"
)

const heuristicWords = 5

var stopwords = map[string]bool{
	"a": true, "an": true, "and": true, "are": true, "as": true, "at": true,
	"be": true, "by": true, "can": true, "could": true, "do": true, "for": true,
	"from": true, "how": true, "i": true, "in": true, "is": true, "it": true,
	"me": true, "my": true, "of": true, "on": true, "or": true, "please": true,
	"so": true, "that": true, "the": true, "this": true, "to": true, "we": true,
	"what": true, "with": true, "would": true, "you": true, "your": true,
}

// Heuristic builds a slug from the first meaningful words of the query. It
// never calls out to a model.
type Heuristic struct{}

func (Heuristic) GenerateSlug(ctx context.Context, text string) (string, error) {
	fields := strings.FieldsFunc(strings.ToLower(clip(text)), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	words := make([]string, 0, heuristicWords)
	for _, w := range fields {
		if stopwords[w] {
			continue
		}
		words = append(words, w)
		if len(words) == heuristicWords {
			break
		}
	}
	return Normalize(strings.Join(words, "-")), nil
}
