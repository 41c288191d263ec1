package repair

import (
	"regexp"
)

// ErrorCategory is a coarse classification of executor or reviewer error text.
type ErrorCategory string

const (
	CategorySyntax     ErrorCategory = "syntax"
	CategoryDependency ErrorCategory = "dependency"
	CategoryType       ErrorCategory = "type"
	CategoryTest       ErrorCategory = "test"
	CategoryTimeout    ErrorCategory = "timeout"
	CategoryValidation ErrorCategory = "validation"
	CategoryLogic      ErrorCategory = "logic"
	CategoryOther      ErrorCategory = "other"
)

type categoryRule struct {
	regex    *regexp.Regexp
	category ErrorCategory
}

// Classifier maps error text to a category with ordered regex rules; the
// first match wins.
type Classifier struct {
	rules []categoryRule
}

// NewClassifier returns a classifier with the built-in rules.
func NewClassifier() *Classifier {
	return &Classifier{rules: []categoryRule{
		{
			regex:    regexp.MustCompile(`(?i)\b(?:timed?\s*out|deadline\s+exceeded|context\s+canceled)\b`),
			category: CategoryTimeout,
		},
		{
			regex:    regexp.MustCompile(`(?i)(?:module\s+not\s+found|no\s+module\s+named|cannot\s+find\s+(?:module|package)|unresolved\s+import|import\s+error|missing\s+dependenc|package\s+\S+\s+is\s+not\s+in)`),
			category: CategoryDependency,
		},
		{
			regex:    regexp.MustCompile(`(?i)(?:syntax\s*error|unexpected\s+(?:token|eof|indent)|unterminated|parse\s+error|invalid\s+syntax)`),
			category: CategorySyntax,
		},
		{
			regex:    regexp.MustCompile(`(?i)(?:type\s*error|cannot\s+use\s+.+\s+as|incompatible\s+types?|has\s+no\s+attribute|undefined:\s|is\s+not\s+assignable)`),
			category: CategoryType,
		},
		{
			regex:    regexp.MustCompile(`(?i)(?:schema|validation\s+(?:error|failed)|lint|strict\s+mode|required\s+field)`),
			category: CategoryValidation,
		},
		{
			regex:    regexp.MustCompile(`(?i)(?:assert(?:ion)?\s*(?:error|failed)|test(?:s)?\s+failed|\bFAIL\b|expected\s+.+\s+got)`),
			category: CategoryTest,
		},
		{
			regex:    regexp.MustCompile(`(?i)(?:wrong\s+result|incorrect|off[\s-]by[\s-]one|nil\s+pointer|null\s+reference|index\s+out\s+of\s+range)`),
			category: CategoryLogic,
		},
	}}
}

// Classify returns the category of text, or CategoryOther.
func (c *Classifier) Classify(text string) ErrorCategory {
	for _, r := range c.rules {
		if r.regex.MatchString(text) {
			return r.category
		}
	}
	return CategoryOther
}
