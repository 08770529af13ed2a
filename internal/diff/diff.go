// Package diff compares actual subject output against expected values that
// may carry wildcard and pattern directives.
//
// Expected-side directives:
//
//	"*"            matches any present value, stops recursion
//	"**"           matches any value, including an absent key
//	"ab*"          glob, anchored at both ends
//	"/^a.+$/"      regular expression, anchored at both ends
//	__strict: true object opt-in that reports keys absent from expected
//
// An expected array skips its length check when it directly contains a
// wildcard element. Strict mode applies to the object that declares it and
// is not inherited by nested objects.
package diff

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/roach88/wftest/internal/jsonval"
)

// Kind classifies a single difference.
type Kind string

const (
	KindTypeMismatch       Kind = "type-mismatch"
	KindValueMismatch      Kind = "value-mismatch"
	KindLengthMismatch     Kind = "length-mismatch"
	KindMissingProperty    Kind = "missing-property"
	KindUnexpectedProperty Kind = "unexpected-property"
	KindPatternMismatch    Kind = "pattern-mismatch"
)

// Reserved tokens in expected values.
const (
	Wildcard    = "*"
	AnyWildcard = "**"
	StrictKey   = "__strict"
)

// Difference is one disagreement between actual and expected.
type Difference struct {
	Path     string `json:"path"`
	Expected any    `json:"expected"`
	Actual   any    `json:"actual"`
	Kind     Kind   `json:"type"`
}

// Result is the verdict of a comparison.
type Result struct {
	Passed      bool         `json:"passed"`
	Expected    any          `json:"expected"`
	Actual      any          `json:"actual"`
	Message     string       `json:"message,omitempty"`
	Differences []Difference `json:"differences,omitempty"`
}

// Compare walks expected depth-first and reports every place actual differs.
// Object keys are visited in canonical order so output is deterministic.
func Compare(actual, expected any) Result {
	a := jsonval.Normalize(actual)
	e := jsonval.Normalize(expected)

	c := &comparer{}
	c.compare(a, e, "")

	res := Result{
		Passed:      len(c.diffs) == 0,
		Expected:    e,
		Actual:      a,
		Differences: c.diffs,
	}
	if !res.Passed {
		res.Message = fmt.Sprintf("Found %d difference(s)", len(c.diffs))
	}
	return res
}

// Matches reports whether actual satisfies expected with no differences.
func Matches(actual, expected any) bool {
	return Compare(actual, expected).Passed
}

type comparer struct {
	diffs []Difference
}

func (c *comparer) add(path string, kind Kind, expected, actual any) {
	c.diffs = append(c.diffs, Difference{Path: path, Expected: expected, Actual: actual, Kind: kind})
}

func (c *comparer) compare(actual, expected any, path string) {
	if isWildcard(expected) {
		return
	}

	if jsonval.TypeOf(actual) != jsonval.TypeOf(expected) {
		c.add(path, KindTypeMismatch, jsonval.TypeOf(expected), jsonval.TypeOf(actual))
		return
	}

	if actual == nil || expected == nil {
		if actual != expected {
			c.add(path, KindValueMismatch, expected, actual)
		}
		return
	}

	switch exp := expected.(type) {
	case []any:
		c.compareArray(actual, exp, path)
	case map[string]any:
		c.compareObject(actual, exp, path)
	default:
		c.compareLeaf(actual, expected, path)
	}
}

func (c *comparer) compareArray(actual any, expected []any, path string) {
	act, ok := actual.([]any)
	if !ok {
		c.add(path, KindTypeMismatch, "array", describe(actual))
		return
	}

	if !containsWildcard(expected) && len(act) != len(expected) {
		c.add(path, KindLengthMismatch, fmt.Sprintf("array[%d]", len(expected)), fmt.Sprintf("array[%d]", len(act)))
	}

	n := min(len(act), len(expected))
	for i := 0; i < n; i++ {
		c.compare(act[i], expected[i], fmt.Sprintf("%s[%d]", path, i))
	}
}

func (c *comparer) compareObject(actual any, expected map[string]any, path string) {
	act, ok := actual.(map[string]any)
	if !ok {
		c.add(path, KindTypeMismatch, "object", describe(actual))
		return
	}

	for _, key := range jsonval.SortedKeys(expected) {
		if key == StrictKey {
			continue
		}
		exp := expected[key]
		keyPath := path + "." + key
		val, present := act[key]
		if !present {
			if s, ok := exp.(string); ok && s == AnyWildcard {
				continue
			}
			c.add(keyPath, KindMissingProperty, exp, nil)
			continue
		}
		c.compare(val, exp, keyPath)
	}

	if strict, _ := expected[StrictKey].(bool); strict {
		for _, key := range jsonval.SortedKeys(act) {
			if _, declared := expected[key]; !declared {
				c.add(path+"."+key, KindUnexpectedProperty, nil, act[key])
			}
		}
	}
}

func (c *comparer) compareLeaf(actual, expected any, path string) {
	exp, isString := expected.(string)
	if !isString {
		if actual != expected {
			c.add(path, KindValueMismatch, expected, actual)
		}
		return
	}
	act, _ := actual.(string)
	if act == exp {
		return
	}

	if source, ok := regexLiteral(exp); ok {
		re, err := regexp.Compile("^(?:" + source + ")$")
		if err != nil {
			c.add(path, KindPatternMismatch, "invalid pattern "+exp, act)
			return
		}
		if !re.MatchString(act) {
			c.add(path, KindPatternMismatch, "matches "+exp, act)
		}
		return
	}

	if strings.Contains(exp, Wildcard) {
		if !globRegexp(exp).MatchString(act) {
			c.add(path, KindValueMismatch, exp, act)
		}
		return
	}

	if act != exp {
		c.add(path, KindValueMismatch, exp, act)
	}
}

func isWildcard(v any) bool {
	s, ok := v.(string)
	return ok && (s == Wildcard || s == AnyWildcard)
}

func containsWildcard(arr []any) bool {
	for _, elem := range arr {
		if isWildcard(elem) {
			return true
		}
	}
	return false
}

func describe(v any) string {
	switch v.(type) {
	case []any:
		return "array"
	case map[string]any:
		return "object"
	case nil:
		return "null"
	default:
		return jsonval.TypeOf(v)
	}
}

// regexLiteral extracts the body of a "/.../" expected string.
func regexLiteral(s string) (string, bool) {
	if len(s) < 3 || s[0] != '/' || s[len(s)-1] != '/' {
		return "", false
	}
	return s[1 : len(s)-1], true
}

// globRegexp escapes every metacharacter and turns each run of '*' into ".*".
func globRegexp(glob string) *regexp.Regexp {
	parts := strings.Split(glob, Wildcard)
	for i, p := range parts {
		parts[i] = regexp.QuoteMeta(p)
	}
	return regexp.MustCompile("^" + strings.Join(parts, ".*") + "$")
}
