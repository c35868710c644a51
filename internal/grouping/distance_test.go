package grouping

import (
	"errors"
	"math"
	"testing"

	"github.com/kozaktomas/face-grouper/internal/apperr"
)

func TestCosineDistance(t *testing.T) {
	tests := []struct {
		name     string
		a, b     []float32
		expected float64
	}{
		{
			name:     "identical",
			a:        []float32{0.3, 0.4, 0.5},
			b:        []float32{0.3, 0.4, 0.5},
			expected: 0,
		},
		{
			name:     "scaled copy",
			a:        []float32{1, 2, 3},
			b:        []float32{2, 4, 6},
			expected: 0,
		},
		{
			name:     "orthogonal",
			a:        []float32{1, 0},
			b:        []float32{0, 1},
			expected: 1,
		},
		{
			name:     "opposite",
			a:        []float32{1, 0},
			b:        []float32{-1, 0},
			expected: 2,
		},
		{
			name:     "sixty degrees",
			a:        []float32{1, 0},
			b:        []float32{0.5, float32(math.Sqrt(3) / 2)},
			expected: 0.5,
		},
		{
			name:     "zero vector left",
			a:        []float32{0, 0, 0},
			b:        []float32{1, 2, 3},
			expected: ZeroVectorDistance,
		},
		{
			name:     "zero vector right",
			a:        []float32{1, 2, 3},
			b:        []float32{0, 0, 0},
			expected: ZeroVectorDistance,
		},
		{
			name:     "both zero",
			a:        []float32{0, 0},
			b:        []float32{0, 0},
			expected: ZeroVectorDistance,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := CosineDistance(tt.a, tt.b)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if math.Abs(got-tt.expected) > 1e-6 {
				t.Errorf("CosineDistance(%v, %v) = %v, want %v", tt.a, tt.b, got, tt.expected)
			}
		})
	}
}

func TestCosineDistance_Symmetric(t *testing.T) {
	pairs := [][2][]float32{
		{{0.1, 0.9, -0.3}, {0.7, -0.2, 0.4}},
		{{1, 1, 1, 1}, {1, -1, 1, -1}},
		{{5, 0}, {0, 0}},
	}
	for _, p := range pairs {
		ab, err := CosineDistance(p[0], p[1])
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		ba, err := CosineDistance(p[1], p[0])
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if ab != ba {
			t.Errorf("distance not symmetric for %v/%v: %v vs %v", p[0], p[1], ab, ba)
		}
		if ab < 0 || ab > 2 {
			t.Errorf("distance %v out of [0, 2]", ab)
		}
	}
}

func TestCosineDistance_InvalidInput(t *testing.T) {
	tests := []struct {
		name string
		a, b []float32
	}{
		{"length mismatch", []float32{1, 2, 3}, []float32{1, 2}},
		{"empty left", nil, []float32{1}},
		{"empty right", []float32{1}, []float32{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := CosineDistance(tt.a, tt.b)
			if !errors.Is(err, apperr.ErrInvalidInput) {
				t.Errorf("expected ErrInvalidInput, got %v", err)
			}
		})
	}
}
