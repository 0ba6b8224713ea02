package trending

import "testing"

func TestParseRegion(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"US", "US", false},
		{"gb", "GB", false},
		{" de ", "DE", false},
		{"", DefaultRegion, false},
		{"USA", "US", false},
		{"419", "", true},
		{"zz-top", "", true},
		{"not-a-region", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseRegion(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseRegion(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseRegion(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}
