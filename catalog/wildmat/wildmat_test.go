package wildmat

import "testing"

func TestParseRange(t *testing.T) {
	cases := []struct {
		in   string
		want Range
	}{
		{"5", Range{5, 5}},
		{"5-", Range{5, 0}},
		{"5-10", Range{5, 10}},
	}
	for _, c := range cases {
		got, err := ParseRange(c.in)
		if err != nil {
			t.Fatalf("ParseRange(%q): %v", c.in, err)
		}
		if got != c.want {
			t.Errorf("ParseRange(%q) = %+v, want %+v", c.in, got, c.want)
		}
	}
	if _, err := ParseRange("x"); err != ErrSyntax {
		t.Errorf("ParseRange(x) = %v, want ErrSyntax", err)
	}
}

func TestRangeContains(t *testing.T) {
	r, _ := ParseRange("5-")
	if !r.Contains(5) || !r.Contains(1000) || r.Contains(4) {
		t.Errorf("open range Contains behaving wrong: %+v", r)
	}
}

func TestMatchWildmatBasics(t *testing.T) {
	if !MatchWildmat("anything", "*") {
		t.Error(`matches_wildmat(x, "*") should be true`)
	}
	if MatchWildmat("anything", "!*") {
		t.Error(`matches_wildmat(x, "!*") should be false`)
	}
	if MatchWildmat("a.b", "a.*,!a.b") {
		t.Error(`rightmost pattern should win: a.*,!a.b should reject a.b`)
	}
	if !MatchWildmat("a.c", "a.*,!a.b") {
		t.Error(`a.c should match a.* since !a.b doesn't apply`)
	}
}

func TestMatchWildmatCaseInsensitive(t *testing.T) {
	if !MatchWildmat("MISC.TEST", "misc.*") {
		t.Error("wildmat should be case-insensitive")
	}
}

func TestMatchMailboxGlob(t *testing.T) {
	if !MatchMailboxGlob("a/b/c", "a/*", '/', false) {
		t.Error("* should cross the hierarchy delimiter")
	}
	if MatchMailboxGlob("a/b/c", "a/%", '/', false) {
		t.Error("%% should not cross the hierarchy delimiter")
	}
	if !MatchMailboxGlob("a/b", "a/%", '/', false) {
		t.Error("%% should match within one hierarchy level")
	}
	if !MatchMailboxGlob("a/b/c", "a/%/c", '/', false) {
		t.Error("%% should match exactly one non-empty-or-empty level")
	}
	if !MatchMailboxGlob("anything", "%", 0, true) {
		t.Error("%% with NIL hierarchy should behave like *")
	}
}
