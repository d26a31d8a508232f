// Package dialogue parses multi-speaker scripts into synthesis-ready
// segments.
//
// A script is line-oriented: each turn starts with a speaker label followed
// by a full- or half-width colon. Speaker labels may carry a parenthetical
// style hint, which is dropped. Bracketed stage directions are stripped
// before parsing. Lines that match no turn pattern continue the previous
// turn's utterance.
package dialogue

import (
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/AuralisLabs/CastKit/taskerr"
)

// boundarySearchRatio is the minimum fraction of the split window a sentence
// boundary must reach before it is preferred over a hard cut.
const boundarySearchRatio = 0.7

var (
	// turnPattern matches "speaker: utterance" with optional （style） after
	// the speaker. Both ASCII and full-width colons and parens are accepted.
	turnPattern = regexp.MustCompile(`^\s*([^（(:：]+?)\s*(?:[（(][^）)]*[）)])?\s*[:：]\s*(.+)$`)

	// stagePattern matches bracketed stage directions in either width.
	stagePattern = regexp.MustCompile(`\[[^\]]*\]|【[^】]*】`)
)

// sentenceEnders lists boundary rune sets in preference order: full-width
// terminators first, ASCII second.
var sentenceEnders = [][]rune{
	{'。', '？', '！'},
	{'.', '?', '!'},
}

// Turn is one utterance attributed to a speaker. Speaker ids are small
// integers assigned by order of first appearance in the script.
type Turn struct {
	Speaker int
	Text    string
}

// Segment is an ordered slice of turns synthesized in one provider session.
type Segment struct {
	Index int
	Turns []Turn
}

// Parser turns raw scripts into speaker-attributed turns. The speaker set is
// closed: at most maxSpeakers distinct labels may appear, matching the
// configured voice profiles.
type Parser struct {
	maxSpeakers int
}

// NewParser returns a Parser accepting up to maxSpeakers distinct speakers.
func NewParser(maxSpeakers int) *Parser {
	return &Parser{maxSpeakers: maxSpeakers}
}

// Parse extracts turns from text. Input is NFC-normalized and stage
// directions are removed first. A script with no recognizable turns becomes
// a single turn for speaker 0 so no content is dropped.
//
// Returns taskerr.ErrEmptyInput when nothing speakable remains, and
// taskerr.ErrInvalidSpeaker when the script names more speakers than the
// parser accepts.
func (p *Parser) Parse(text string) ([]Turn, error) {
	cleaned := stagePattern.ReplaceAllString(norm.NFC.String(text), "")
	if strings.TrimSpace(cleaned) == "" {
		return nil, taskerr.Wrap(taskerr.KindInput, "parse dialogue", taskerr.ErrEmptyInput)
	}

	speakerIDs := make(map[string]int)
	var turns []Turn

	for _, line := range strings.Split(cleaned, "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}

		m := turnPattern.FindStringSubmatch(line)
		if m == nil {
			// Continuation of the previous utterance. Narration before the
			// first turn has no home and is skipped.
			if len(turns) > 0 {
				turns[len(turns)-1].Text += " " + strings.TrimSpace(line)
			}
			continue
		}

		label := strings.TrimSpace(m[1])
		id, ok := speakerIDs[label]
		if !ok {
			id = len(speakerIDs)
			if id >= p.maxSpeakers {
				return nil, taskerr.Wrap(taskerr.KindInput, "speaker "+label, taskerr.ErrInvalidSpeaker)
			}
			speakerIDs[label] = id
		}
		turns = append(turns, Turn{Speaker: id, Text: strings.TrimSpace(m[2])})
	}

	if len(turns) == 0 {
		// No speaker labels anywhere: read the whole script with the first
		// configured voice.
		if p.maxSpeakers < 1 {
			return nil, taskerr.Wrap(taskerr.KindInput, "parse dialogue", taskerr.ErrInvalidSpeaker)
		}
		return []Turn{{Speaker: 0, Text: strings.TrimSpace(cleaned)}}, nil
	}
	return turns, nil
}

// SplitLongUtterances breaks turns longer than maxChars runes into several
// turns for the same speaker. Splits prefer the last sentence boundary in
// the window when it falls at or beyond boundarySearchRatio of maxChars;
// otherwise the cut is a hard one at maxChars. Turn order is preserved.
func SplitLongUtterances(turns []Turn, maxChars int) []Turn {
	out := make([]Turn, 0, len(turns))
	for _, t := range turns {
		for _, part := range splitUtterance(t.Text, maxChars) {
			out = append(out, Turn{Speaker: t.Speaker, Text: part})
		}
	}
	return out
}

func splitUtterance(text string, maxChars int) []string {
	runes := []rune(text)
	if len(runes) <= maxChars {
		return []string{text}
	}

	minCut := int(float64(maxChars) * boundarySearchRatio)
	var parts []string
	for len(runes) > maxChars {
		cut := boundaryCut(runes[:maxChars], minCut)
		if cut < 0 {
			cut = maxChars
		}
		if part := strings.TrimSpace(string(runes[:cut])); part != "" {
			parts = append(parts, part)
		}
		runes = runes[cut:]
	}
	if rest := strings.TrimSpace(string(runes)); rest != "" {
		parts = append(parts, rest)
	}
	return parts
}

// boundaryCut returns the index just past the last sentence terminator in
// window, provided it reaches minCut. Full-width terminators win over ASCII
// ones regardless of position.
func boundaryCut(window []rune, minCut int) int {
	for _, enders := range sentenceEnders {
		last := -1
		for i, r := range window {
			for _, e := range enders {
				if r == e {
					last = i + 1
					break
				}
			}
		}
		if last >= minCut {
			return last
		}
	}
	return -1
}

// Segments packs turns into ordered segments of at most maxPerSegment turns.
// Segment indexes are contiguous from zero; concatenating segment turns in
// index order reproduces the input.
func Segments(turns []Turn, maxPerSegment int) []Segment {
	if maxPerSegment < 1 {
		maxPerSegment = 1
	}
	segs := make([]Segment, 0, (len(turns)+maxPerSegment-1)/maxPerSegment)
	for start := 0; start < len(turns); start += maxPerSegment {
		end := start + maxPerSegment
		if end > len(turns) {
			end = len(turns)
		}
		segs = append(segs, Segment{Index: len(segs), Turns: turns[start:end]})
	}
	return segs
}

// Speakers returns the distinct speaker ids appearing in the segment, in
// first-appearance order.
func (s Segment) Speakers() []int {
	seen := make(map[int]bool)
	var ids []int
	for _, t := range s.Turns {
		if !seen[t.Speaker] {
			seen[t.Speaker] = true
			ids = append(ids, t.Speaker)
		}
	}
	return ids
}

// CharCount returns the total rune count across the segment's utterances.
func (s Segment) CharCount() int {
	n := 0
	for _, t := range s.Turns {
		n += len([]rune(t.Text))
	}
	return n
}
