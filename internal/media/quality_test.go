package media

import "testing"

func TestParseVMAFScore(t *testing.T) {
	cases := []struct {
		name   string
		output string
		want   float64
		errOK  bool
	}{
		{"plain form", "VMAF score: 95.43", 95.43, false},
		{"json mean form", `frame=100 {"vmaf":{"mean": 87.21}}`, 87.21, false},
		{"unparseable", "no vmaf here", 0, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := parseVMAFScore(tc.output)
			if tc.errOK {
				if err == nil {
					t.Fatalf("expected error, got score %v", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tc.want {
				t.Errorf("got %v, want %v", got, tc.want)
			}
		})
	}
}

func TestTrimmedMean(t *testing.T) {
	cases := []struct {
		name   string
		scores []float64
		want   float64
	}{
		{"empty", nil, 0},
		{"single", []float64{90}, 90},
		{"pair averages", []float64{80, 90}, 85},
		{"triple drops nothing extra, returns median", []float64{70, 90, 80}, 80},
		{"five drops high and low", []float64{60, 70, 80, 90, 100}, 80},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := trimmedMean(tc.scores); got != tc.want {
				t.Errorf("trimmedMean(%v) = %v, want %v", tc.scores, got, tc.want)
			}
		})
	}
}
