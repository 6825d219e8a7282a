package policy

import (
	"encoding/json"
	"testing"

	"gopkg.in/yaml.v3"
)

func TestMatcherScalarEquality(t *testing.T) {
	cases := []struct {
		name   string
		m      Matcher
		actual any
		want   bool
	}{
		{"string equal", Scalar("resolved"), "resolved", true},
		{"string not equal", Scalar("resolved"), "blocked", false},
		{"number vs json float", Scalar(1), float64(1), true},
		{"bool", Scalar(true), true, true},
		{"nil actual", Scalar("x"), nil, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.m.Matches(tc.actual); got != tc.want {
				t.Errorf("Matches(%v) = %v, want %v", tc.actual, got, tc.want)
			}
		})
	}
}

func TestMatcherListAnyOf(t *testing.T) {
	m := AnyOf("blocked", "resolved")
	if !m.Matches("blocked") {
		t.Error("expected membership match")
	}
	if m.Matches("todo") {
		t.Error("unexpected match for value outside the list")
	}
}

func TestMatcherCompositeValues(t *testing.T) {
	// Any-of lists and in-lists may carry objects; comparing them against a
	// map or slice payload value must decide membership, not panic.
	var m Matcher
	if err := json.Unmarshal([]byte(`[{"region":"eu"},"fallback"]`), &m); err != nil {
		t.Fatal(err)
	}
	if !m.Matches(map[string]any{"region": "eu"}) {
		t.Error("object in any-of list must match an equal map value")
	}
	if m.Matches(map[string]any{"region": "us"}) {
		t.Error("unequal map must not match")
	}
	if m.Matches("eu") {
		t.Error("scalar must not match an object list entry")
	}
	if !m.Matches("fallback") {
		t.Error("scalar entry in a mixed list must still match")
	}

	in := Op(OpIn, []any{[]any{"a", "b"}, "c"})
	if !in.Matches([]any{"a", "b"}) {
		t.Error("slice value must match an equal slice list entry")
	}
	if in.Matches([]any{"a"}) {
		t.Error("unequal slice must not match")
	}
	if !in.Matches("c") {
		t.Error("scalar entry must still match next to composites")
	}
}

func TestMatcherOperators(t *testing.T) {
	cases := []struct {
		name   string
		m      Matcher
		actual any
		want   bool
	}{
		{"in hit", Op(OpIn, []any{"a", "b"}), "b", true},
		{"in miss", Op(OpIn, []any{"a", "b"}), "c", false},
		{"eq stringified", Op(OpEq, "42"), float64(42), true},
		{"contains substring", Op(OpContains, "urgent"), "this is urgent now", true},
		{"contains on list", Op(OpContains, "adm"), []any{"user", "admin"}, true},
		{"contains on list miss", Op(OpContains, "root"), []any{"user", "admin"}, false},
		{"regex search", Op(OpRegex, `^INV-\d+$`), "INV-1001", true},
		{"regex miss", Op(OpRegex, `^INV-\d+$`), "PO-1001", false},
		{"regex invalid never matches", Op(OpRegex, `([`), "anything", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.m.Matches(tc.actual); got != tc.want {
				t.Errorf("Matches(%v) = %v, want %v", tc.actual, got, tc.want)
			}
		})
	}
}

func TestMatcherUnmarshalShapes(t *testing.T) {
	var rule PayloadRule
	blob := `{"action_type":"UpdateCardStatus","when":{"new_status":"resolved","priority":["p1","p2"],"ref":{"regex":"^INV-"}}}`
	if err := json.Unmarshal([]byte(blob), &rule); err != nil {
		t.Fatal(err)
	}
	if !rule.When["new_status"].Matches("resolved") {
		t.Error("scalar matcher lost in decode")
	}
	if !rule.When["priority"].Matches("p2") {
		t.Error("list matcher lost in decode")
	}
	if !rule.When["ref"].Matches("INV-77") {
		t.Error("operator matcher lost in decode")
	}

	// Round trip preserves the document shape.
	out, err := json.Marshal(rule.When["ref"])
	if err != nil {
		t.Fatal(err)
	}
	if string(out) != `{"regex":"^INV-"}` {
		t.Errorf("round trip changed shape: %s", out)
	}
}

func TestMatcherUnmarshalYAML(t *testing.T) {
	var rule PayloadRule
	blob := "action_type: UpdateCardStatus\nwhen:\n  new_status: resolved\n  amount: {eq: 10}\n"
	if err := yaml.Unmarshal([]byte(blob), &rule); err != nil {
		t.Fatal(err)
	}
	if !rule.When["new_status"].Matches("resolved") {
		t.Error("scalar matcher lost in YAML decode")
	}
	if !rule.When["amount"].Matches(float64(10)) {
		t.Error("eq matcher must compare ints and floats by string form")
	}
}

func TestWhenClauseGlobAndObject(t *testing.T) {
	if !GlobClause("ops-*").Matches("ops-emea") {
		t.Error("glob must match prefix pattern")
	}
	if GlobClause("ops-*").Matches("finance") {
		t.Error("glob must not match unrelated value")
	}
	if !GlobClause("*").Matches("anything/at all") {
		t.Error("lone star matches everything")
	}

	obj := ObjectClause([]string{"team-*"}, "", "", nil)
	if !obj.Matches("team-core") {
		t.Error("patterns must match")
	}
	re := ObjectClause(nil, "^svc-[0-9]+$", "", nil)
	if !re.Matches("svc-12") || re.Matches("svc-x") {
		t.Error("regex clause mismatch")
	}
	in := ObjectClause(nil, "", "", []string{"a", "b"})
	if !in.Matches("a") || in.Matches("z") {
		t.Error("in clause mismatch")
	}
	contains := ObjectClause(nil, "", "adm", nil)
	if !contains.Matches("sys-admins") {
		t.Error("contains clause mismatch")
	}
}

func TestWhenClauseList(t *testing.T) {
	var rule RoleRule
	blob := `{"role":"approver","when":["approvers","sre-*"]}`
	if err := json.Unmarshal([]byte(blob), &rule); err != nil {
		t.Fatal(err)
	}
	if !rule.When.Matches("sre-oncall") {
		t.Error("list clause must match any element")
	}
	if rule.When.Matches("devs") {
		t.Error("list clause matched unrelated value")
	}
}

func TestPatternSpecForms(t *testing.T) {
	var req AuditRequestPolicy
	blob := `{"allowlist_headers":["x-b3-*","re:^traceparent$",{"glob":"x-request-id"},{"regex":"^X-Case-"}]}`
	if err := json.Unmarshal([]byte(blob), &req); err != nil {
		t.Fatal(err)
	}
	compiled := CompilePatterns(req.AllowlistHeaders)
	for _, name := range []string{"x-b3-traceid", "traceparent", "x-request-id", "x-case-7"} {
		if !MatchAny(name, compiled) {
			t.Errorf("expected %q to match allowlist", name)
		}
	}
	if MatchAny("authorization", compiled) {
		t.Error("authorization must not match this allowlist")
	}
}

func TestCompilePatternsDropsInvalidRegex(t *testing.T) {
	compiled := CompilePatterns([]PatternSpec{RegexPattern("(["), GlobPattern("x-*")})
	if len(compiled) != 1 {
		t.Fatalf("expected invalid regex to be dropped, got %d patterns", len(compiled))
	}
	if !MatchAny("x-thing", compiled) {
		t.Error("surviving glob must still match")
	}
}
