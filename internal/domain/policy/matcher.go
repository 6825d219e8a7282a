package policy

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"reflect"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Matcher operator names accepted inside a payload-rule `when` object.
const (
	OpIn       = "in"
	OpEq       = "eq"
	OpContains = "contains"
	OpRegex    = "regex"
)

type matcherKind int

const (
	matchScalar matcherKind = iota
	matchAnyOf
	matchOp
)

// Matcher is one entry of a payload rule's `when` map. In the policy
// document it is written as a scalar (equality), a list (any-of), or an
// object with exactly one operator key (in, eq, contains, regex). The
// validator guarantees the exactly-one-key shape before a document is
// accepted, so evaluation can assume a well-formed variant.
type Matcher struct {
	kind   matcherKind
	scalar any
	anyOf  []any
	op     string
	arg    any
}

// Scalar returns an equality matcher.
func Scalar(v any) Matcher { return Matcher{kind: matchScalar, scalar: v} }

// AnyOf returns a membership matcher over the given values.
func AnyOf(vs ...any) Matcher { return Matcher{kind: matchAnyOf, anyOf: vs} }

// Op returns an operator matcher. Unknown operators fail validation.
func Op(op string, arg any) Matcher { return Matcher{kind: matchOp, op: op, arg: arg} }

// stringify renders a payload value the way matcher comparisons expect:
// floats that carry integral values print without the trailing ".0" that
// JSON decoding would otherwise introduce.
func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		return fmt.Sprint(t)
	}
}

// equalValues compares two decoded JSON values. Maps and slices are
// uncomparable with ==, so composite values go through reflect.DeepEqual;
// scalars compare by their stringified form so 1 and 1.0 agree.
func equalValues(a, b any) bool {
	switch a.(type) {
	case map[string]any, []any:
		return reflect.DeepEqual(a, b)
	}
	switch b.(type) {
	case map[string]any, []any:
		return false
	}
	return stringify(a) == stringify(b)
}

func memberOf(actual any, list []any) bool {
	for _, item := range list {
		if equalValues(actual, item) {
			return true
		}
	}
	return false
}

// Matches reports whether the payload value satisfies this matcher.
func (m Matcher) Matches(actual any) bool {
	switch m.kind {
	case matchAnyOf:
		return memberOf(actual, m.anyOf)
	case matchOp:
		switch m.op {
		case OpIn:
			list, ok := m.arg.([]any)
			if !ok {
				return false
			}
			return memberOf(actual, list)
		case OpEq:
			return stringify(actual) == stringify(m.arg)
		case OpContains:
			needle := stringify(m.arg)
			if items, ok := actual.([]any); ok {
				for _, it := range items {
					if strings.Contains(stringify(it), needle) {
						return true
					}
				}
				return false
			}
			return strings.Contains(stringify(actual), needle)
		case OpRegex:
			re, err := regexp.Compile(stringify(m.arg))
			if err != nil {
				return false
			}
			return re.MatchString(stringify(actual))
		default:
			// Unknown operator: fall back to strict comparison, matching
			// the lenient runtime the validator normally front-runs.
			return stringify(actual) == stringify(m.arg)
		}
	default:
		return stringify(actual) == stringify(m.scalar)
	}
}

// validate checks the exactly-one-operator invariant and operator argument
// shapes. Returned messages are prefixed by the caller with the rule path.
func (m Matcher) validate() []string {
	switch m.kind {
	case matchAnyOf:
		if len(m.anyOf) == 0 {
			return []string{"list must not be empty"}
		}
		return nil
	case matchOp:
		switch m.op {
		case OpIn:
			list, ok := m.arg.([]any)
			if !ok || len(list) == 0 {
				return []string{"in must be a non-empty list"}
			}
		case OpEq:
			switch m.arg.(type) {
			case map[string]any, []any:
				return []string{"eq must be a scalar"}
			}
		case OpContains:
			s, ok := m.arg.(string)
			if !ok || s == "" {
				return []string{"contains must be a non-empty string"}
			}
		case OpRegex:
			s, ok := m.arg.(string)
			if !ok || s == "" {
				return []string{"regex must be a non-empty string"}
			}
			if _, err := regexp.Compile(s); err != nil {
				return []string{fmt.Sprintf("regex invalid: %v", err)}
			}
		default:
			return []string{fmt.Sprintf("unknown operator: %s", m.op)}
		}
		return nil
	default:
		return nil
	}
}

func matcherFromAny(v any) Matcher {
	switch t := v.(type) {
	case []any:
		return Matcher{kind: matchAnyOf, anyOf: t}
	case map[string]any:
		if len(t) == 1 {
			for k, arg := range t {
				return Matcher{kind: matchOp, op: k, arg: arg}
			}
		}
		// Malformed operator object. Keep the raw value so validation can
		// report it; Matches falls back to strict compare.
		return Matcher{kind: matchOp, op: multiOpKey(t), arg: t}
	default:
		return Matcher{kind: matchScalar, scalar: v}
	}
}

func multiOpKey(m map[string]any) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	return strings.Join(keys, ",")
}

func (m Matcher) toAny() any {
	switch m.kind {
	case matchAnyOf:
		return m.anyOf
	case matchOp:
		return map[string]any{m.op: m.arg}
	default:
		return m.scalar
	}
}

// UnmarshalJSON decodes the scalar/list/operator-object matcher shape.
func (m *Matcher) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*m = matcherFromAny(raw)
	return nil
}

// MarshalJSON re-emits the original document shape so ETags stay stable
// across decode/encode round trips.
func (m Matcher) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.toAny())
}

// UnmarshalYAML decodes the matcher shape from the policy file.
func (m *Matcher) UnmarshalYAML(node *yaml.Node) error {
	var raw any
	if err := node.Decode(&raw); err != nil {
		return err
	}
	*m = matcherFromAny(normalizeYAML(raw))
	return nil
}

// MarshalYAML re-emits the original document shape.
func (m Matcher) MarshalYAML() (any, error) {
	return m.toAny(), nil
}

// normalizeYAML rewrites yaml.v3's map[string]any/[]any trees so that
// nested values use the same dynamic types the JSON decoder produces
// (notably int -> float64 is NOT forced; stringify handles both).
func normalizeYAML(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, vv := range t {
			out[k] = normalizeYAML(vv)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, vv := range t {
			out[i] = normalizeYAML(vv)
		}
		return out
	case int:
		return float64(t)
	default:
		return v
	}
}

// WhenClause is the match condition of a role-mapping rule or deny entry.
// It is written as a glob string, a list of clauses, or an object with any
// of the keys patterns, regex, contains, in.
type WhenClause struct {
	glob     string
	list     []WhenClause
	patterns []string
	regex    string
	contains string
	in       []string
	isObject bool
	badKeys  []string
}

// GlobClause builds a glob-string clause (test helper and default policy).
func GlobClause(glob string) WhenClause { return WhenClause{glob: glob} }

// ObjectClause builds an object clause from its optional fields.
func ObjectClause(patterns []string, regex, contains string, in []string) WhenClause {
	return WhenClause{isObject: true, patterns: patterns, regex: regex, contains: contains, in: in}
}

// globMatch is fnmatch-style matching. A lone "*" matches anything,
// including separators filepath.Match would stop at.
func globMatch(pattern, value string) bool {
	if pattern == "*" {
		return true
	}
	ok, err := filepath.Match(pattern, value)
	return err == nil && ok
}

// Matches reports whether a single group/entitlement value satisfies the
// clause.
func (w WhenClause) Matches(value string) bool {
	if w.list != nil {
		for _, c := range w.list {
			if c.Matches(value) {
				return true
			}
		}
		return false
	}
	if !w.isObject {
		return w.glob != "" && globMatch(w.glob, value)
	}
	for _, p := range w.patterns {
		if globMatch(p, value) {
			return true
		}
	}
	if w.regex != "" {
		if re, err := regexp.Compile(w.regex); err == nil && re.MatchString(value) {
			return true
		}
	}
	if w.contains != "" && strings.Contains(value, w.contains) {
		return true
	}
	for _, s := range w.in {
		if value == s {
			return true
		}
	}
	return false
}

func (w WhenClause) validate(path string) []string {
	var errs []string
	if w.list != nil {
		for i, c := range w.list {
			errs = append(errs, c.validate(fmt.Sprintf("%s[%d]", path, i))...)
		}
		return errs
	}
	if !w.isObject {
		if w.glob == "" {
			errs = append(errs, path+" must be a non-empty string, list, or object")
		}
		return errs
	}
	if len(w.badKeys) > 0 {
		errs = append(errs, fmt.Sprintf("%s has unsupported keys: %v", path, w.badKeys))
	}
	if w.regex != "" {
		if _, err := regexp.Compile(w.regex); err != nil {
			errs = append(errs, path+".regex is invalid")
		}
	}
	if len(w.patterns) == 0 && w.regex == "" && w.contains == "" && len(w.in) == 0 && len(w.badKeys) == 0 {
		errs = append(errs, path+" must not be empty")
	}
	return errs
}

func whenClauseFromAny(v any) WhenClause {
	switch t := v.(type) {
	case string:
		return WhenClause{glob: t}
	case []any:
		list := make([]WhenClause, 0, len(t))
		for _, item := range t {
			list = append(list, whenClauseFromAny(item))
		}
		if list == nil {
			list = []WhenClause{}
		}
		return WhenClause{list: list}
	case map[string]any:
		w := WhenClause{isObject: true}
		for k, vv := range t {
			switch k {
			case "patterns":
				if items, ok := vv.([]any); ok {
					for _, it := range items {
						w.patterns = append(w.patterns, stringify(it))
					}
				}
			case "regex":
				w.regex = stringify(vv)
			case "contains":
				w.contains = stringify(vv)
			case "in":
				if items, ok := vv.([]any); ok {
					for _, it := range items {
						w.in = append(w.in, stringify(it))
					}
				}
			default:
				w.badKeys = append(w.badKeys, k)
			}
		}
		return w
	default:
		return WhenClause{}
	}
}

func (w WhenClause) toAny() any {
	if w.list != nil {
		out := make([]any, len(w.list))
		for i, c := range w.list {
			out[i] = c.toAny()
		}
		return out
	}
	if !w.isObject {
		return w.glob
	}
	obj := map[string]any{}
	if len(w.patterns) > 0 {
		obj["patterns"] = w.patterns
	}
	if w.regex != "" {
		obj["regex"] = w.regex
	}
	if w.contains != "" {
		obj["contains"] = w.contains
	}
	if len(w.in) > 0 {
		obj["in"] = w.in
	}
	return obj
}

// UnmarshalJSON decodes the string/list/object clause shape.
func (w *WhenClause) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*w = whenClauseFromAny(raw)
	return nil
}

// MarshalJSON re-emits the original clause shape.
func (w WhenClause) MarshalJSON() ([]byte, error) {
	return json.Marshal(w.toAny())
}

// UnmarshalYAML decodes the clause shape from the policy file.
func (w *WhenClause) UnmarshalYAML(node *yaml.Node) error {
	var raw any
	if err := node.Decode(&raw); err != nil {
		return err
	}
	*w = whenClauseFromAny(normalizeYAML(raw))
	return nil
}

// MarshalYAML re-emits the original clause shape.
func (w WhenClause) MarshalYAML() (any, error) {
	return w.toAny(), nil
}

// PatternSpec is one entry of the audit allowlist/redact header lists:
// a glob string, a "re:"/"regex:"-prefixed regex string, or an object with
// exactly a glob or regex key.
type PatternSpec struct {
	glob  string
	regex string
	bad   string // validation message for malformed objects
}

// GlobPattern builds a glob pattern spec.
func GlobPattern(glob string) PatternSpec { return PatternSpec{glob: glob} }

// RegexPattern builds a regex pattern spec.
func RegexPattern(expr string) PatternSpec { return PatternSpec{regex: expr} }

// CompiledPattern is a PatternSpec ready for matching against lowercased
// header names. Regexes are compiled case-insensitive; compile failures
// drop the pattern (the validator rejects them before save).
type CompiledPattern struct {
	glob string
	re   *regexp.Regexp
}

// Match reports whether the lowercased header name matches.
func (c CompiledPattern) Match(nameLower string) bool {
	if c.re != nil {
		return c.re.MatchString(nameLower)
	}
	return c.glob != "" && globMatch(c.glob, nameLower)
}

// CompilePatterns compiles pattern specs, silently dropping invalid regexes.
func CompilePatterns(specs []PatternSpec) []CompiledPattern {
	out := make([]CompiledPattern, 0, len(specs))
	for _, s := range specs {
		if s.regex != "" {
			re, err := regexp.Compile("(?i)" + s.regex)
			if err != nil {
				continue
			}
			out = append(out, CompiledPattern{re: re})
			continue
		}
		if s.glob != "" {
			out = append(out, CompiledPattern{glob: strings.ToLower(s.glob)})
		}
	}
	return out
}

// MatchAny reports whether any compiled pattern matches the lowercased name.
func MatchAny(nameLower string, patterns []CompiledPattern) bool {
	for _, p := range patterns {
		if p.Match(nameLower) {
			return true
		}
	}
	return false
}

func (p PatternSpec) validate(path string) []string {
	if p.bad != "" {
		return []string{path + " " + p.bad}
	}
	if p.regex != "" {
		if _, err := regexp.Compile(p.regex); err != nil {
			return []string{fmt.Sprintf("%s regex invalid: %v", path, err)}
		}
		return nil
	}
	if p.glob == "" {
		return []string{path + " must be a non-empty string"}
	}
	return nil
}

func patternSpecFromAny(v any) PatternSpec {
	switch t := v.(type) {
	case string:
		s := strings.TrimSpace(t)
		lower := strings.ToLower(s)
		if strings.HasPrefix(lower, "re:") || strings.HasPrefix(lower, "regex:") {
			_, expr, _ := strings.Cut(s, ":")
			return PatternSpec{regex: expr}
		}
		return PatternSpec{glob: s}
	case map[string]any:
		if len(t) == 1 {
			if g, ok := t["glob"]; ok {
				return PatternSpec{glob: strings.TrimSpace(stringify(g))}
			}
			if r, ok := t["regex"]; ok {
				return PatternSpec{regex: strings.TrimSpace(stringify(r))}
			}
		}
		return PatternSpec{bad: "must be {glob: ...} or {regex: ...}"}
	default:
		return PatternSpec{bad: "must be string or object"}
	}
}

func (p PatternSpec) toAny() any {
	switch {
	case p.glob != "":
		return p.glob
	case p.regex != "":
		return "re:" + p.regex
	default:
		return ""
	}
}

// UnmarshalJSON decodes the pattern spec shape.
func (p *PatternSpec) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*p = patternSpecFromAny(raw)
	return nil
}

// MarshalJSON emits the string form (objects normalize to "re:" strings).
func (p PatternSpec) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.toAny())
}

// UnmarshalYAML decodes the pattern spec shape from the policy file.
func (p *PatternSpec) UnmarshalYAML(node *yaml.Node) error {
	var raw any
	if err := node.Decode(&raw); err != nil {
		return err
	}
	*p = patternSpecFromAny(normalizeYAML(raw))
	return nil
}

// MarshalYAML emits the string form.
func (p PatternSpec) MarshalYAML() (any, error) {
	return p.toAny(), nil
}
