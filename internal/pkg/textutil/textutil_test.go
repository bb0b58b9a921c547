package textutil

import (
	"math"
	"reflect"
	"testing"
)

func TestCosineSimilarity(t *testing.T) {
	cases := []struct {
		name string
		a, b []float32
		want float64
	}{
		{"identical", []float32{1, 0}, []float32{1, 0}, 1},
		{"orthogonal", []float32{1, 0}, []float32{0, 1}, 0},
		{"opposite", []float32{1, 0}, []float32{-1, 0}, -1},
		{"mismatched length", []float32{1, 0}, []float32{1}, 0},
		{"zero vector", []float32{0, 0}, []float32{1, 0}, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := CosineSimilarity(tc.a, tc.b); math.Abs(got-tc.want) > 1e-9 {
				t.Errorf("got %v, want %v", got, tc.want)
			}
		})
	}
}

func TestL2Distance(t *testing.T) {
	if got := L2Distance([]float32{0, 0}, []float32{3, 4}); math.Abs(got-5) > 1e-9 {
		t.Errorf("got %v, want 5", got)
	}
	if got := L2Distance([]float32{1}, []float32{1, 2}); !math.IsInf(got, 1) {
		t.Errorf("mismatched lengths should be infinitely far, got %v", got)
	}
}

func TestWords(t *testing.T) {
	got := Words("  one\ttwo\nthree  ")
	want := []string{"one", "two", "three"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
	if WordCount("") != 0 {
		t.Error("empty text has zero words")
	}
	if WordCount("a b  c") != 3 {
		t.Error("word count must collapse repeated whitespace")
	}
}

func TestSplitSentences(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want []string
	}{
		{
			"simple",
			"First here. Second there! Third?",
			[]string{"First here.", "Second there!", "Third?"},
		},
		{
			"no terminator",
			"just a fragment without punctuation",
			[]string{"just a fragment without punctuation"},
		},
		{
			"repeated terminators",
			"Wait... Really?!",
			[]string{"Wait...", "Really?!"},
		},
		{
			"terminator at end only",
			"One single sentence.",
			[]string{"One single sentence."},
		},
		{
			"empty",
			"   ",
			nil,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := SplitSentences(tc.in)
			if !reflect.DeepEqual(got, tc.want) {
				t.Errorf("got %v, want %v", got, tc.want)
			}
		})
	}
}

func TestTruncateString(t *testing.T) {
	if got := TruncateString("héllo", 3); got != "hél" {
		t.Errorf("got %q, want rune-aware truncation", got)
	}
	if got := TruncateString("short", 10); got != "short" {
		t.Errorf("got %q, want unchanged", got)
	}
}

func TestNormalizeCosineSimilarity(t *testing.T) {
	if got := NormalizeCosineSimilarity(-1); got != 0 {
		t.Errorf("got %v, want 0", got)
	}
	if got := NormalizeCosineSimilarity(1); got != 1 {
		t.Errorf("got %v, want 1", got)
	}
}
