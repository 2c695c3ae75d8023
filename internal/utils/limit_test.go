package utils

import "testing"

func TestAtoiDefault(t *testing.T) {
	cases := []struct {
		s    string
		def  int
		want int
	}{
		{"", 10, 10},
		{"42", 0, 42},
		{"-13", 1, -13},
		{"x", 5, 5},
		{"7 ", 3, 3},
	}
	for _, c := range cases {
		if got := AtoiDefault(c.s, c.def); got != c.want {
			t.Errorf("AtoiDefault(%q, %d) = %d, want %d", c.s, c.def, got, c.want)
		}
	}
}

func TestParseLimit(t *testing.T) {
	cases := []struct {
		s      string
		want   int
		wantOK bool
	}{
		{"", 50, true},
		{"junk", 50, true},
		{"10", 10, true},
		{"9999", 500, true},
		{"0", 0, false},
		{"-3", 0, false},
	}
	for _, c := range cases {
		got, ok := ParseLimit(c.s, 50, 500)
		if got != c.want || ok != c.wantOK {
			t.Errorf("ParseLimit(%q) = %d, %v; want %d, %v", c.s, got, ok, c.want, c.wantOK)
		}
	}
}
