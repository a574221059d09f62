package chat

import (
	"strings"
	"unicode/utf8"
)

// DefaultMaxLength leaves headroom under a 2000-character transport limit for
// the continuation markers.
const DefaultMaxLength = 1950

const (
	continuationSuffix = "\n\n*(continued...)*"
	continuationPrefix = "*(continued)*\n\n"
)

const fenceMarker = "```"

// splitCandidate is one boundary class. offset is how many bytes of the
// delimiter stay with the left chunk.
type splitCandidate struct {
	delim  string
	offset int
}

// Candidates in priority order: closing code fence, paragraph break, line
// break, sentence end, word break.
var splitCandidates = []splitCandidate{
	{"```\n", 4},
	{"\n\n", 2},
	{"\n", 1},
	{". ", 2},
	{" ", 1},
}

// Split partitions text into chunks of at most maxLength bytes, breaking at
// content-aware boundaries. A boundary is only taken in the second half of
// the candidate window, and never inside an open code fence. Every chunk but
// the last carries a continuation suffix, every chunk but the first a
// continuation prefix. Concatenating the chunks with the markers stripped
// reproduces the input exactly.
func Split(text string, maxLength int) []string {
	if maxLength <= 0 {
		maxLength = DefaultMaxLength
	}
	if len(text) <= maxLength {
		return []string{text}
	}

	var chunks []string
	remaining := text
	fenceOpen := false

	for len(remaining) > 0 {
		if len(remaining) <= maxLength {
			chunks = append(chunks, remaining)
			break
		}

		window := remaining[:maxLength]
		splitPoint := findSplitPoint(window, maxLength, fenceOpen)
		if splitPoint == maxLength {
			// A hard split must not land inside a multi-byte rune.
			for splitPoint > 0 && !utf8.RuneStart(remaining[splitPoint]) {
				splitPoint--
			}
			if splitPoint == 0 {
				splitPoint = maxLength
			}
		}

		chunk := remaining[:splitPoint]
		chunks = append(chunks, chunk)
		fenceOpen = fenceOpen != (strings.Count(chunk, fenceMarker)%2 == 1)
		remaining = remaining[splitPoint:]
	}

	for i := range chunks {
		if i < len(chunks)-1 {
			chunks[i] += continuationSuffix
		}
		if i > 0 {
			chunks[i] = continuationPrefix + chunks[i]
		}
	}
	return chunks
}

// findSplitPoint picks the best boundary in window, falling back to a hard
// split at maxLength when no candidate qualifies.
func findSplitPoint(window string, maxLength int, fenceOpen bool) int {
	minPos := maxLength / 2

	for _, cand := range splitCandidates {
		if cand.delim == "```\n" {
			if idx := lastClosingFence(window, minPos, fenceOpen); idx >= 0 {
				return idx + cand.offset
			}
			continue
		}

		search := window
		for {
			idx := strings.LastIndex(search, cand.delim)
			if idx < 0 || idx <= minPos {
				break
			}
			if !insideFence(window, idx, fenceOpen) {
				return idx + cand.offset
			}
			search = search[:idx]
		}
	}

	return maxLength
}

// lastClosingFence finds the last "```\n" in window that closes an open
// fence, at or after minPos.
func lastClosingFence(window string, minPos int, fenceOpen bool) int {
	search := window
	for {
		idx := strings.LastIndex(search, "```\n")
		if idx < 0 || idx <= minPos {
			return -1
		}
		if insideFence(window, idx, fenceOpen) {
			return idx
		}
		search = search[:idx]
	}
}

// insideFence reports whether byte position pos sits inside an open code
// fence, given the fence state at the start of window.
func insideFence(window string, pos int, fenceOpen bool) bool {
	return fenceOpen != (strings.Count(window[:pos], fenceMarker)%2 == 1)
}

// StripContinuationMarkers removes the markers Split adds, restoring a
// chunk's original content.
func StripContinuationMarkers(chunk string) string {
	chunk = strings.TrimPrefix(chunk, continuationPrefix)
	return strings.TrimSuffix(chunk, continuationSuffix)
}
