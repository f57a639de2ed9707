package mailbox

import "testing"

func TestParseRights(t *testing.T) {
	cases := []struct {
		in   string
		want Rights
	}{
		{"", 0},
		{"l", RightLookup},
		{"lrs", RightLookup | RightRead | RightSeen},
		{"lrswipkxtea", RightsAll},
		{"lq9", RightLookup}, // unknown letters ignored
	}
	for _, tc := range cases {
		if got := ParseRights(tc.in); got != tc.want {
			t.Errorf("ParseRights(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestRights_String_RoundTrip(t *testing.T) {
	for _, s := range []string{"", "l", "lrs", "lrswipkxtea"} {
		if got := ParseRights(s).String(); got != s {
			t.Errorf("ParseRights(%q).String() = %q", s, got)
		}
	}
}

func TestRights_Has(t *testing.T) {
	r := ParseRights("lrs")
	if !r.Has(RightLookup | RightRead) {
		t.Error("Has(lookup|read) = false")
	}
	if r.Has(RightLookup | RightWrite) {
		t.Error("Has(lookup|write) = true")
	}
	if !r.Has(0) {
		t.Error("Has(0) must be true")
	}
}

func TestUserRights(t *testing.T) {
	rec := &Record{
		AccountID: "acc1",
		ACL: map[string]string{
			"other":  "lr",
			"anyone": "l",
		},
	}

	if got := rec.UserRights("other"); got != RightLookup|RightRead {
		t.Errorf("explicit entry = %v", got)
	}
	if got := rec.UserRights("stranger"); got != RightLookup {
		t.Errorf("anyone fallback = %v", got)
	}

	// The owner holds everything only when no ACL entry overrides it.
	if got := rec.UserRights("acc1"); got != RightLookup {
		t.Errorf("owner with anyone entry = %v", got)
	}
	rec.ACL = nil
	if got := rec.UserRights("acc1"); got != RightsAll {
		t.Errorf("owner with empty ACL = %v, want all", got)
	}
	if got := rec.UserRights("stranger"); got != 0 {
		t.Errorf("stranger with empty ACL = %v, want 0", got)
	}
}
