package bridge

import (
	"errors"
	"slices"
	"testing"
)

func seq(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i + 10
	}
	return out
}

func TestApplySafety(t *testing.T) {
	tests := []struct {
		name        string
		in          []int
		bypass      bool
		want        []int
		wantClamped bool
		wantErr     error
	}{
		{name: "empty", in: []int{}, want: []int{}},
		{name: "within safe limit", in: seq(4), want: seq(4)},
		{name: "five clamps to first four", in: seq(5), want: seq(4), wantClamped: true},
		{name: "five with bypass", in: seq(5), bypass: true, want: seq(5)},
		{name: "sixteen with bypass", in: seq(16), bypass: true, want: seq(16)},
		{name: "sixteen without bypass clamps", in: seq(16), want: seq(4), wantClamped: true},
		{name: "seventeen rejected", in: seq(17), wantErr: ErrChannelLimit},
		{name: "seventeen rejected even with bypass", in: seq(17), bypass: true, wantErr: ErrChannelLimit},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, clamped, err := ApplySafety(tt.in, tt.bypass)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("error = %v, want %v", err, tt.wantErr)
				}
				if got != nil {
					t.Fatalf("expected no channels on rejection, got %v", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !slices.Equal(got, tt.want) {
				t.Errorf("channels = %v, want %v", got, tt.want)
			}
			if clamped != tt.wantClamped {
				t.Errorf("clamped = %v, want %v", clamped, tt.wantClamped)
			}
		})
	}
}

func TestApplySafetyDoesNotAlias(t *testing.T) {
	in := []int{1, 2, 3, 4, 5}
	got, _, err := ApplySafety(in, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got[0] = 99
	if in[0] != 1 {
		t.Fatalf("caller slice modified: %v", in)
	}
}
