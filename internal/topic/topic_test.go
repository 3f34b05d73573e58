package topic

import "testing"

func TestMatches(t *testing.T) {
	cases := []struct {
		filter, topic string
		want          bool
	}{
		{"+/b", "a/b", true},
		{"a/#", "a", true},
		{"a/#", "a/b/c", true},
		{"a/+", "a/b/c", false},
		{"sensors/+/temp", "sensors/1/temp", true},
		{"sensors/#", "sensors/1/temp", true},
		{"a/b", "a/b", true},
		{"a/b", "a/b/c", false},
		{"a/b/c", "a/b", false},
		{"#", "anything/at/all", true},
		{"+", "a", true},
		{"+", "a/b", false},
	}
	for _, c := range cases {
		if got := Matches(c.filter, c.topic); got != c.want {
			t.Errorf("Matches(%q, %q) = %v, want %v", c.filter, c.topic, got, c.want)
		}
	}
}

func TestIsWildcard(t *testing.T) {
	if IsWildcard("a/b/c") {
		t.Error("a/b/c should not be a wildcard")
	}
	if !IsWildcard("a/+/c") {
		t.Error("a/+/c should be a wildcard")
	}
	if !IsWildcard("a/#") {
		t.Error("a/# should be a wildcard")
	}
}

func TestValidateFilter(t *testing.T) {
	valid := []string{"a/b", "a/+/b", "a/#", "#", "+"}
	for _, f := range valid {
		if err := ValidateFilter(f); err != nil {
			t.Errorf("ValidateFilter(%q) = %v, want nil", f, err)
		}
	}
	invalid := []string{"", "a//b", "a/#/b", "a/b#"}
	for _, f := range invalid {
		if err := ValidateFilter(f); err == nil {
			t.Errorf("ValidateFilter(%q) = nil, want error", f)
		}
	}
}

func TestValidateTopic(t *testing.T) {
	if err := Validate("a/b/c"); err != nil {
		t.Errorf("Validate(a/b/c) = %v, want nil", err)
	}
	for _, bad := range []string{"", "a/+/b", "a//b"} {
		if err := Validate(bad); err == nil {
			t.Errorf("Validate(%q) = nil, want error", bad)
		}
	}
}
