package wire

import "testing"

func TestNormalizeCondition(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"empty", "", "TRUE"},
		{"whitespace only", "  \t\n ", "TRUE"},
		{"plain", "user_id = 1", "user_id = 1"},
		{"leading where", "WHERE user_id = 1", "user_id = 1"},
		{"lowercase where", "where  user_id = 1", "user_id = 1"},
		{"where without space kept", "where_col = 2", "where_col = 2"},
		{"collapsed whitespace", "user_id\t=\n  1  AND  status = 'open'", "user_id = 1 AND status = 'open'"},
		{"trailing semicolon", "user_id = 1;", "user_id = 1"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := NormalizeCondition(tc.in); got != tc.want {
				t.Errorf("NormalizeCondition(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestInlineParams(t *testing.T) {
	out, err := InlineParams("user_id = $1 AND name = $2", []any{42, "o'brien"})
	if err != nil {
		t.Fatal(err)
	}
	if out != "user_id = 42 AND name = 'o''brien'" {
		t.Errorf("unexpected inlined condition: %q", out)
	}

	if _, err := InlineParams("user_id = $1", []any{1, 2}); err == nil {
		t.Error("expected error for unreferenced parameter")
	}

	out, err = InlineParams("flag = $1 AND ref IS $2", []any{true, nil})
	if err != nil {
		t.Fatal(err)
	}
	if out != "flag = TRUE AND ref IS NULL" {
		t.Errorf("unexpected inlined condition: %q", out)
	}

	// $1 must not clobber the prefix of $10 and beyond
	params := make([]any, 10)
	for i := range params {
		params[i] = i
	}
	out, err = InlineParams("a = $1 AND b = $10 AND c IN ($2,$3,$4,$5,$6,$7,$8,$9)", params)
	if err != nil {
		t.Fatal(err)
	}
	if out != "a = 0 AND b = 9 AND c IN (1,2,3,4,5,6,7,8)" {
		t.Errorf("unexpected inlined condition: %q", out)
	}
}

func TestConditionHashStable(t *testing.T) {
	a := ConditionHash(NormalizeCondition("WHERE user_id = 1"))
	b := ConditionHash(NormalizeCondition("user_id  =  1"))
	if a != b {
		t.Errorf("Equivalent conditions should hash identically: %s vs %s", a, b)
	}

	c := ConditionHash(NormalizeCondition("user_id = 2"))
	if a == c {
		t.Error("Different conditions should not collide on this input")
	}

	if len(a) != 16 {
		t.Errorf("Hash should be 16 hex chars, got %q", a)
	}
}
