package service

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"sort"
	"strings"
)

// piiPatterns are applied in this order; each match is replaced by [TYPE].
var piiPatterns = []struct {
	kind string
	re   *regexp.Regexp
}{
	{"email", regexp.MustCompile(`[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`)},
	{"phone", regexp.MustCompile(`(\+\d{1,3}[- ]?)?\(?\d{3}\)?[- ]?\d{3}[- ]?\d{4}`)},
	{"ssn", regexp.MustCompile(`\d{3}-\d{2}-\d{4}`)},
}

// ProcessedInput is what gets persisted instead of the raw prompt.
type ProcessedInput struct {
	Redacted string
	Hash     string
	PIIFlags []string
}

// ProcessInput redacts PII and hashes the raw input. The raw text itself is
// never stored.
func ProcessInput(raw string) ProcessedInput {
	sum := sha256.Sum256([]byte(raw))
	redacted, flags := redactPII(raw)
	return ProcessedInput{
		Redacted: redacted,
		Hash:     hex.EncodeToString(sum[:]),
		PIIFlags: flags,
	}
}

func redactPII(text string) (string, []string) {
	flags := []string{}
	for _, p := range piiPatterns {
		if !p.re.MatchString(text) {
			continue
		}
		flags = append(flags, p.kind)
		text = p.re.ReplaceAllString(text, "["+strings.ToUpper(p.kind)+"]")
	}
	sort.Strings(flags)
	return text, flags
}
