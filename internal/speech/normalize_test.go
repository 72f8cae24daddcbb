package speech

import "testing"

func TestNormalize(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in, want string
	}{
		{"It costs $5", "It costs five dollars"},
		{"It costs $25", "It costs 25 dollars"},
		{"Meet me at 3:30", "Meet me at three 30"},
		{"Wake up at 12:05!", "Wake up at twelve 05!"},
		{"I have 2 cats and 13 dogs", "I have two cats and 13 dogs"},
		{"0 or 10", "zero or ten"},
		{"Pi is 3.14", "Pi is 3.14"},
		{"Version v2 and R2D2", "Version v2 and R2D2"},
		{"007", "007"},
		{"No numbers here.", "No numbers here."},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()
			if got := Normalize(tt.in); got != tt.want {
				t.Errorf("Normalize(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}
