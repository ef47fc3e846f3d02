package filter

import "strings"

/*
Here the Env used in the moderation rules is defined.
Once this struct is fixed, it should not be changed, otherwise rules in existing configurations may not compile any
more (f.e. if properties are renamed etc.)
*/

type Env struct {
	Message string   // the original text
	Lower   string   // the text in lower case
	Words   []string // lower case words of the text, in order
	Length  int      // number of characters (runes) of the text

	HasWord func(word string) bool
}

func newEnv(text string, words []string) Env {
	lower := make(map[string]struct{}, len(words))
	for _, w := range words {
		lower[w] = struct{}{}
	}
	return Env{
		Message: text,
		Lower:   strings.ToLower(text),
		Words:   words,
		Length:  len([]rune(text)),
		HasWord: func(word string) bool {
			_, ok := lower[strings.ToLower(word)]
			return ok
		},
	}
}
