// Package textutil provides text processing helpers for the RAG pipeline.
package textutil

import (
	"crypto/md5"
	"encoding/hex"
	"math"
	"regexp"
	"strings"
	"unicode/utf8"
)

// CosineSimilarity computes the cosine similarity of two vectors.
// The result is in [-1, 1]; 1 means identical direction, -1 opposite.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dotProduct, normA, normB float64
	for i := range a {
		dotProduct += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}

	if normA == 0 || normB == 0 {
		return 0
	}

	return dotProduct / (math.Sqrt(normA) * math.Sqrt(normB))
}

// NormalizeCosineSimilarity maps a cosine similarity into [0, 1].
func NormalizeCosineSimilarity(similarity float64) float64 {
	return (similarity + 1) / 2
}

// DotProduct computes the inner product of two vectors.
func DotProduct(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}

// L2Distance computes the Euclidean distance between two vectors.
func L2Distance(a, b []float32) float64 {
	if len(a) != len(b) {
		return math.Inf(1)
	}
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return math.Sqrt(sum)
}

// HashString computes the MD5 hash of a string.
func HashString(s string) string {
	hash := md5.Sum([]byte(s))
	return hex.EncodeToString(hash[:])
}

// TruncateString truncates a string to at most maxLen Unicode characters.
func TruncateString(s string, maxLen int) string {
	if utf8.RuneCountInString(s) <= maxLen {
		return s
	}
	runes := []rune(s)
	return string(runes[:maxLen])
}

// Words splits text into whitespace-delimited tokens.
func Words(text string) []string {
	return strings.Fields(text)
}

// WordCount returns the number of whitespace-delimited tokens in text.
func WordCount(text string) int {
	return len(strings.Fields(text))
}

var sentenceEndRegex = regexp.MustCompile(`([.!?]+)(\s+|$)`)

// SplitSentences splits text into sentences on terminal punctuation
// followed by whitespace or end of input. Terminators stay attached to
// their sentence. Text without terminal punctuation comes back as a
// single sentence.
func SplitSentences(text string) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	var sentences []string
	last := 0
	for _, loc := range sentenceEndRegex.FindAllStringSubmatchIndex(text, -1) {
		// loc[3] is the end of the punctuation group; the trailing whitespace
		// stays out of the sentence.
		sentence := strings.TrimSpace(text[last:loc[3]])
		if sentence != "" {
			sentences = append(sentences, sentence)
		}
		last = loc[1]
	}
	if rest := strings.TrimSpace(text[last:]); rest != "" {
		sentences = append(sentences, rest)
	}
	return sentences
}

// SplitByLines splits text into lines, strips list markers and quotes, and
// keeps only lines longer than minLen characters.
func SplitByLines(s string, minLen int) []string {
	if minLen <= 0 {
		minLen = 5
	}

	var result []string
	lines := strings.Split(s, "\n")
	listMarkerRegex := regexp.MustCompile(`^[\d\.\-\*\)]+\s*`)

	for _, line := range lines {
		line = strings.TrimSpace(line)
		line = listMarkerRegex.ReplaceAllString(line, "")
		line = strings.Trim(line, `"'`)
		if line != "" && len(line) > minLen {
			result = append(result, line)
		}
	}
	return result
}

// ContainsString reports whether a string slice contains an element.
func ContainsString(slice []string, item string) bool {
	for _, v := range slice {
		if v == item {
			return true
		}
	}
	return false
}
