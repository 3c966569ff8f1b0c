// Package anomaly scores access lines with a pre-trained isolation forest.
// Training happens offline; this package only loads the exported artifact
// and evaluates it.
package anomaly

import (
	"math"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/1sec-project/tailguard/internal/detect"
)

// NumFeatures is the length of a feature vector.
const NumFeatures = 13

// Feature indices, in vector order.
const (
	FeatLength = iota
	FeatURLLength
	FeatParamCount
	FeatSpecialChars
	FeatSQLHits
	FeatXSSHits
	FeatTraversalHits
	FeatCommandHits
	FeatNoSQLHits
	FeatEntropy
	FeatEncodingDensity
	FeatDigitDensity
	FeatControlChars
)

// Features is one extracted feature vector.
type Features [NumFeatures]float64

// Weights applied to raw counts. The trained model expects exactly these.
const (
	weightSpecial   = 6
	weightSQL       = 8
	weightXSS       = 8
	weightTraversal = 6
	weightCommand   = 12
	weightNoSQL     = 8
	weightEntropy   = 25
	weightEncoding  = 150
	weightDigits    = 100
	weightControl   = 20
)

const specialChars = "<>';()[]*|$`\\&!%"

var (
	urlRe     = regexp.MustCompile(`\s(?:GET|POST|PUT|DELETE|PATCH)\s+([^\s?]+)`)
	hexEscRe  = regexp.MustCompile(`%[0-9a-fA-F]{2}`)
	controlRe = regexp.MustCompile(`[\x00-\x08\x0b\x0c\x0e-\x1f]`)
)

// Extract computes the feature vector of a raw (not normalized) line.
// Pattern-family hits are counted on the lower-cased line with the same
// tables the signature detectors use.
func Extract(line string) Features {
	var f Features
	n := utf8.RuneCountInString(line)
	denom := float64(max(n, 1))
	lower := strings.ToLower(line)

	f[FeatLength] = float64(n)
	if m := urlRe.FindStringSubmatch(line); m != nil {
		f[FeatURLLength] = float64(utf8.RuneCountInString(m[1]))
	}
	f[FeatParamCount] = float64(strings.Count(line, "=") + strings.Count(line, "&"))

	special := 0
	for _, c := range specialChars {
		special += strings.Count(line, string(c))
	}
	f[FeatSpecialChars] = float64(special * weightSpecial)

	f[FeatSQLHits] = float64(detect.CountHits(detect.FamilySQLi, lower) * weightSQL)
	f[FeatXSSHits] = float64(detect.CountHits(detect.FamilyXSS, lower) * weightXSS)
	f[FeatTraversalHits] = float64(detect.CountHits(detect.FamilyTraversal, lower) * weightTraversal)
	f[FeatCommandHits] = float64(detect.CountHits(detect.FamilyCommand, lower) * weightCommand)
	f[FeatNoSQLHits] = float64(detect.CountHits(detect.FamilyNoSQL, lower) * weightNoSQL)

	f[FeatEntropy] = entropy(line) * weightEntropy

	nonASCII, digits := 0, 0
	for _, r := range line {
		if r > unicode.MaxASCII {
			nonASCII++
		}
		if unicode.IsDigit(r) {
			digits++
		}
	}
	hex := len(hexEscRe.FindAllStringIndex(line, -1))
	f[FeatEncodingDensity] = float64(nonASCII+hex*4) / denom * weightEncoding
	f[FeatDigitDensity] = float64(digits) / denom * weightDigits
	f[FeatControlChars] = float64(len(controlRe.FindAllStringIndex(line, -1)) * weightControl)
	return f
}

// PatternHits reports whether any pattern-family feature is nonzero.
func (f Features) PatternHits() bool {
	for i := FeatSQLHits; i <= FeatNoSQLHits; i++ {
		if f[i] != 0 {
			return true
		}
	}
	return false
}

// entropy is the Shannon entropy of s in bits per character.
func entropy(s string) float64 {
	if s == "" {
		return 0
	}
	counts := make(map[rune]int)
	total := 0
	for _, r := range s {
		counts[r]++
		total++
	}
	var h float64
	for _, c := range counts {
		p := float64(c) / float64(total)
		h -= p * math.Log2(p)
	}
	return h
}
