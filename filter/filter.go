package filter

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"github.com/antonmedv/expr"
	"github.com/antonmedv/expr/vm"
	"github.com/tcriess/lightspeed-session/config"
	"github.com/tcriess/lightspeed-session/globals"
)

// Filter classifies chat texts. A text is abusive if it contains one of the banned terms as a whole word (or word
// sequence), ignoring case, or if one of the configured rules evaluates to true.
type Filter struct {
	terms *regexp.Regexp
	rules []*vm.Program
}

func New(cfg config.ModerationConfig) (*Filter, error) {
	f := &Filter{}
	alternatives := make([]string, 0, len(cfg.BannedTerms))
	for _, term := range cfg.BannedTerms {
		fields := strings.Fields(strings.ToLower(term))
		if len(fields) == 0 {
			continue
		}
		for i := range fields {
			fields[i] = regexp.QuoteMeta(fields[i])
		}
		alternatives = append(alternatives, strings.Join(fields, `\s+`))
	}
	if len(alternatives) > 0 {
		// \b is ascii only, so the boundaries are spelled out
		pattern := `(?i)(?:^|[^\pL\pN_])(?:` + strings.Join(alternatives, "|") + `)(?:$|[^\pL\pN_])`
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, err
		}
		f.terms = re
	}
	for i, rule := range cfg.Rules {
		program, err := expr.Compile(rule, expr.Env(Env{}), expr.AsBool())
		if err != nil {
			return nil, fmt.Errorf("moderation rule %d: %w", i, err)
		}
		f.rules = append(f.rules, program)
	}
	return f, nil
}

// IsAbusive reports whether text must be rejected. A rule that fails at runtime is logged and treated as not matching.
func (f *Filter) IsAbusive(text string) bool {
	if f == nil {
		return false
	}
	if f.terms != nil && f.terms.MatchString(text) {
		return true
	}
	if len(f.rules) == 0 {
		return false
	}
	env := newEnv(text, words(text))
	for i, program := range f.rules {
		res, err := expr.Run(program, env)
		if err != nil {
			globals.AppLogger.Error("could not evaluate moderation rule", "rule", i, "error", err)
			continue
		}
		if b, ok := res.(bool); ok && b {
			return true
		}
	}
	return false
}

func words(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r) && r != '_' && r != '\''
	})
}
