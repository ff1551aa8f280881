package header

import "testing"

const sample = "From: a@b\r\n" +
	"Newsgroups: misc.test\r\n" +
	"Subject: hello\r\n" +
	"References: <one@a>\r\n" +
	" <two@a>\r\n" +
	" <three@a>\r\n"

func TestParseRoundTrip(t *testing.T) {
	h := Parse(sample)
	if got := h.Raw(); got != sample {
		t.Errorf("Raw() round trip:\ngot:  %q\nwant: %q", got, sample)
	}
}

func TestGetCaseInsensitive(t *testing.T) {
	h := Parse(sample)
	v, ok := h.Get("FROM")
	if !ok || v != "a@b" {
		t.Fatalf("Get(FROM) = %q, %v", v, ok)
	}
	v, ok = h.Get("references")
	if !ok || v != "<one@a> <two@a> <three@a>" {
		t.Fatalf("Get(references) unfolded = %q, %v", v, ok)
	}
}

func TestChangeReplacesInPlace(t *testing.T) {
	h := Parse(sample)
	h.Change("Subject", "changed")
	if v, _ := h.Get("Subject"); v != "changed" {
		t.Fatalf("Change: got %q", v)
	}
	if len(h.Entries) != 4 {
		t.Fatalf("Change should not add entries, got %d", len(h.Entries))
	}
	if h.Entries[2].Name != "Subject" {
		t.Fatalf("Change should preserve position, entries=%+v", h.Entries)
	}
}

func TestChangeAppendsWhenAbsent(t *testing.T) {
	h := Parse(sample)
	h.Change("Approved", "mod@host")
	v, ok := h.Get("Approved")
	if !ok || v != "mod@host" {
		t.Fatalf("Change append = %q, %v", v, ok)
	}
	if h.Entries[len(h.Entries)-1].Name != "Approved" {
		t.Fatalf("Change should append when absent")
	}
}

func TestRemove(t *testing.T) {
	h := Parse(sample)
	h.Remove("References")
	if _, ok := h.Get("References"); ok {
		t.Fatalf("Remove: References still present")
	}
	if len(h.Entries) != 2 {
		t.Fatalf("Remove: got %d entries, want 2", len(h.Entries))
	}
}
