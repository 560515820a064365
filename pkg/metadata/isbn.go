package metadata

import (
	"regexp"
	"sort"
	"strings"
)

var (
	isbn13Pattern = regexp.MustCompile(`97[89]\d{10}`)
	isbn10Pattern = regexp.MustCompile(`\b\d{9}[0-9X]\b`)
)

// PickPreferredIsbn returns the first 13-character ISBN, else the first
// non-blank one, else "".
func PickPreferredIsbn(isbns []string) string {
	for _, isbn := range isbns {
		if strings.TrimSpace(isbn) != "" && len(isbn) == 13 {
			return isbn
		}
	}
	for _, isbn := range isbns {
		if strings.TrimSpace(isbn) != "" {
			return isbn
		}
	}
	return ""
}

// Candidate is an ISBN read off a scan with the extractor's confidence.
type Candidate struct {
	Value      string  `json:"value"`
	Confidence float64 `json:"confidence"`
}

// PickBestCandidate orders candidates by confidence and returns the most
// confident 13-digit one, falling back to the most confident overall.
func PickBestCandidate(candidates []Candidate) (Candidate, bool) {
	if len(candidates) == 0 {
		return Candidate{}, false
	}
	ordered := make([]Candidate, len(candidates))
	copy(ordered, candidates)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Confidence > ordered[j].Confidence
	})
	for _, c := range ordered {
		if len(c.Value) == 13 {
			return c, true
		}
	}
	return ordered[0], true
}

// FindISBNInText looks for an ISBN in free OCR text after removing hyphens
// and spaces. ISBN-13 wins over ISBN-10.
func FindISBNInText(text string) string {
	if strings.TrimSpace(text) == "" {
		return ""
	}
	cleaned := strings.NewReplacer("-", "", " ", "").Replace(text)
	if m := isbn13Pattern.FindString(cleaned); m != "" {
		return m
	}
	return isbn10Pattern.FindString(cleaned)
}
