// Package quality decides which transcribed chunks are kept when a long
// source is stitched back together.
package quality

import (
	"fmt"
	"sort"
	"strings"
	"unicode"
)

// Rejection reasons.
const (
	ReasonEmptyText              = "empty_text"
	ReasonEmptyTextWithTimestamp = "empty_text_with_timestamp"
	ReasonTooShort               = "too_short"
	ReasonStopwordRatio          = "stopword_ratio"
	ReasonInsufficientContent    = "insufficient_content"
	ReasonRepetitiveShortWords   = "repetitive_short_words"

	// ReasonTranscriptionFailed marks a chunk whose worker reported failure.
	// It never comes out of Evaluate.
	ReasonTranscriptionFailed = "transcription_failed"
)

const (
	minWords            = 5
	minChars            = 20
	ratioMinWords       = 6
	maxStopwordRatio    = 0.9
	maxShortWordRatio   = 0.85
	maxDominantRatio    = 0.75
	shortWordMaxLen     = 3
	silentSegmentMinDur = 1.0
)

// Segment is one time-bounded chunk of transcribed text.
type Segment struct {
	Index int     `json:"index"`
	Start float64 `json:"start_offset_seconds"`
	End   float64 `json:"end_offset_seconds"`
	Text  string  `json:"text"`
	// Failed is set when the chunk produced no transcript at all.
	Failed bool `json:"failed,omitempty"`
}

// Duration returns End-Start in seconds.
func (s Segment) Duration() float64 { return s.End - s.Start }

// Verdict is the outcome of evaluating a single segment.
type Verdict struct {
	Valid  bool   `json:"valid"`
	Reason string `json:"reason,omitempty"`
}

// Discarded records a rejected segment for diagnostics.
type Discarded struct {
	Index  int     `json:"index"`
	Start  float64 `json:"start_offset_seconds"`
	End    float64 `json:"end_offset_seconds"`
	Reason string  `json:"reason"`
}

// Evaluate applies the quality heuristics to a segment. The result depends
// only on the segment, so repeated calls return the same verdict.
func Evaluate(seg Segment) Verdict {
	text := strings.TrimSpace(seg.Text)
	if text == "" {
		if seg.Duration() >= silentSegmentMinDur {
			return Verdict{Reason: ReasonEmptyTextWithTimestamp}
		}
		return Verdict{Reason: ReasonEmptyText}
	}

	words := Tokenize(text)
	total := len(words)
	if total < minWords || len([]rune(text)) < minChars {
		return Verdict{Reason: ReasonTooShort}
	}

	if total >= ratioMinWords {
		stop := 0
		short := 0
		counts := make(map[string]int, total)
		for _, w := range words {
			if isStopword(w) {
				stop++
			}
			if len([]rune(w)) <= shortWordMaxLen {
				short++
			}
			counts[w]++
		}

		if float64(stop)/float64(total) >= maxStopwordRatio {
			return Verdict{Reason: ReasonStopwordRatio}
		}
		if total-stop <= 1 {
			return Verdict{Reason: ReasonInsufficientContent}
		}

		top, topCount := dominantToken(counts)
		if float64(short)/float64(total) >= maxShortWordRatio &&
			float64(topCount)/float64(total) >= maxDominantRatio &&
			(len([]rune(top)) <= shortWordMaxLen || isStopword(top)) {
			return Verdict{Reason: ReasonRepetitiveShortWords}
		}
	}

	return Verdict{Valid: true}
}

// Tokenize lower-cases text, strips everything that is not a letter from
// each whitespace-separated field, and drops fields that end up empty.
func Tokenize(text string) []string {
	fields := strings.Fields(strings.ToLower(text))
	words := make([]string, 0, len(fields))
	for _, f := range fields {
		w := strings.Map(func(r rune) rune {
			if unicode.IsLetter(r) {
				return r
			}
			return -1
		}, f)
		if w != "" {
			words = append(words, w)
		}
	}
	return words
}

// dominantToken returns the most frequent token. Ties go to the
// lexicographically smaller token so the choice is stable.
func dominantToken(counts map[string]int) (string, int) {
	var top string
	best := 0
	for w, c := range counts {
		if c > best || (c == best && w < top) {
			top, best = w, c
		}
	}
	return top, best
}

// Outcome is the result of filtering and stitching a set of segments.
type Outcome struct {
	Transcript string
	Accepted   int
	Discarded  []Discarded
}

// Stitch sorts segments by start offset, drops the ones that fail to
// transcribe or fail Evaluate, and joins the rest with a single space.
// It returns an error when nothing survives.
func Stitch(segments []Segment) (Outcome, error) {
	sorted := make([]Segment, len(segments))
	copy(sorted, segments)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Start != sorted[j].Start {
			return sorted[i].Start < sorted[j].Start
		}
		return sorted[i].Index < sorted[j].Index
	})

	var out Outcome
	parts := make([]string, 0, len(sorted))
	failed := 0
	for _, seg := range sorted {
		reason := ReasonTranscriptionFailed
		if !seg.Failed {
			v := Evaluate(seg)
			if v.Valid {
				parts = append(parts, strings.TrimSpace(seg.Text))
				continue
			}
			reason = v.Reason
		} else {
			failed++
		}
		out.Discarded = append(out.Discarded, Discarded{
			Index:  seg.Index,
			Start:  seg.Start,
			End:    seg.End,
			Reason: reason,
		})
	}

	out.Accepted = len(parts)
	if len(parts) == 0 {
		if len(sorted) == 0 {
			return out, &RejectedError{}
		}
		return out, &RejectedError{Total: len(sorted), Failed: failed}
	}
	out.Transcript = strings.Join(parts, " ")
	return out, nil
}

// RejectedError is returned by Stitch when no segment was usable.
type RejectedError struct {
	Total  int
	Failed int
}

// AllFailed reports whether every chunk failed to transcribe, as opposed to
// at least one chunk being filtered for quality.
func (e *RejectedError) AllFailed() bool { return e.Total > 0 && e.Failed == e.Total }

func (e *RejectedError) Error() string {
	switch {
	case e.Total == 0:
		return "no chunks to stitch"
	case e.AllFailed():
		return fmt.Sprintf("all %d chunks failed to transcribe", e.Total)
	case e.Failed > 0:
		return fmt.Sprintf("all %d chunks were filtered as low quality (%d failed to transcribe)", e.Total, e.Failed)
	default:
		return fmt.Sprintf("all %d chunks were filtered as low quality", e.Total)
	}
}
