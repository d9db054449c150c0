package phone

import "testing"

func TestNormalize(t *testing.T) {
	cases := []struct {
		in   string
		want string
		ok   bool
	}{
		{"(555) 123-4567", "+15551234567", true},
		{"1-555-123-4567", "+15551234567", true},
		{"+44 20 7946 0958", "+442079460958", true},
		{"555-1234", "", false},
		{"", "", false},
	}
	for _, tc := range cases {
		got, err := Normalize(tc.in)
		if tc.ok && err != nil {
			t.Fatalf("%q: unexpected err: %v", tc.in, err)
		}
		if !tc.ok && err == nil {
			t.Fatalf("%q: expected error", tc.in)
		}
		if got != tc.want {
			t.Fatalf("%q: expected %q, got %q", tc.in, tc.want, got)
		}
	}
}

func TestSame(t *testing.T) {
	if !Same("555.123.4567", "+1 (555) 123-4567") {
		t.Fatalf("expected numbers to match")
	}
	if Same("123", "123") {
		t.Fatalf("invalid numbers must not match")
	}
}
