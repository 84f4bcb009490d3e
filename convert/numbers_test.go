package convert

import "testing"

func TestRoundFloat64(t *testing.T) {
	tests := []struct {
		name     string
		input    float64
		decimals int
		expected float64
	}{
		{"two decimals", 1.23456, 2, 1.23},
		{"round up", 1.235, 2, 1.24},
		{"eight decimals", 0.1 + 0.2, 8, 0.3},
		{"negative", -2.123456789, 8, -2.12345679},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := RoundFloat64(tt.input, tt.decimals); got != tt.expected {
				t.Errorf("got %v, wanted %v", got, tt.expected)
			}
		})
	}
}

func TestEightDecimals(t *testing.T) {
	got := EightDecimals(7490.0 + 10.000000000001)
	if got != 7500.0 {
		t.Errorf("got %v, wanted 7500", got)
	}
}

func TestDegRadRoundTrip(t *testing.T) {
	got := RadToDeg(DegToRad(52.37))
	if RoundFloat64(got, 8) != 52.37 {
		t.Errorf("got %v, wanted 52.37", got)
	}
}
