// Package detector recognizes anti-bot interstitials so a challenge page is
// never mistaken for content.
package detector

import (
	"strings"
)

// Heuristic flags bodies that look like a challenge rather than the page.
type Heuristic struct {
	// BodyLengthThreshold bounds the size of pages checked for script density.
	BodyLengthThreshold int
}

// NewHeuristic creates a new detector.
func NewHeuristic(threshold int) *Heuristic {
	if threshold == 0 {
		threshold = 2048
	}
	return &Heuristic{BodyLengthThreshold: threshold}
}

var challengeMarkers = []string{
	"<title>just a moment...</title>",
	"cf-browser-verification",
	"challenge-platform",
	"_cf_chl_opt",
	"attention required! | cloudflare",
	"ddos-guard",
	"checking your browser before accessing",
}

// IsChallenge reports whether body is an anti-bot interstitial.
func (h *Heuristic) IsChallenge(body string) bool {
	if strings.TrimSpace(body) == "" {
		return true
	}
	lower := strings.ToLower(body)
	for _, marker := range challengeMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return len(lower) < h.BodyLengthThreshold && scriptDensityHigh(lower)
}

// scriptDensityHigh expects an already lowercased document.
func scriptDensityHigh(lower string) bool {
	total := len(lower)
	if total == 0 {
		return false
	}

	const (
		openTag  = "<script"
		closeTag = "</script>"
	)
	scriptCoverage := 0
	searchPos := 0

	for {
		relativeStart := strings.Index(lower[searchPos:], openTag)
		if relativeStart == -1 {
			break
		}
		start := searchPos + relativeStart

		tagClose := strings.IndexByte(lower[start:], '>')
		if tagClose == -1 {
			// Treat the rest of the document as part of the malformed script.
			scriptCoverage += total - start
			break
		}
		contentStart := start + tagClose + 1

		var nextSearch int
		if relativeEnd := strings.Index(lower[contentStart:], closeTag); relativeEnd == -1 {
			nextSearch = total
		} else {
			nextSearch = contentStart + relativeEnd + len(closeTag)
		}

		scriptCoverage += nextSearch - start
		searchPos = nextSearch
	}

	return scriptCoverage*100/total >= 50
}
