package transcriber

import (
	"strings"

	"github.com/xrash/smetrics"
)

const (
	// defaultMatchTokens is the size of the comparison window on each side of
	// a segment boundary. Larger windows risk collapsing genuinely repeated
	// speech; smaller ones miss overlaps.
	defaultMatchTokens = 5
	// matchHighThreshold admits a token pair as a boundary match.
	matchHighThreshold = 0.9
	// matchMedThreshold extends an accepted match across consecutive tokens.
	matchMedThreshold = 0.85
)

// reconciler merges overlapping decoder outputs at segment boundaries using
// fuzzy token matching. Consecutive decodes of a sliding window produce
// near-duplicate text at the seam; per-token timestamps are too unreliable
// near window edges to align on, so the overlap is found by string similarity
// instead.
type reconciler struct {
	nTokens   int
	matchHigh float64
	matchMed  float64
}

func newReconciler() reconciler {
	return reconciler{
		nTokens:   defaultMatchTokens,
		matchHigh: matchHighThreshold,
		matchMed:  matchMedThreshold,
	}
}

func (r reconciler) similarity(a, b string) float64 {
	return smetrics.JaroWinkler(a, b, 0.7, 4)
}

// findClosestMatch scans the two windows quadratically for the pair with the
// greatest similarity at or above matchHigh. The comparison is
// greater-or-equal so that later candidates win ties; repeated words in
// natural speech make the rightmost occurrence the likely true boundary.
func (r reconciler) findClosestMatch(lwin, rwin []string) (int, int, bool) {
	best := 0.0
	li, ri := -1, -1
	for i, lt := range lwin {
		for j, rt := range rwin {
			if s := r.similarity(lt, rt); s >= r.matchHigh && s >= best {
				best, li, ri = s, i, j
			}
		}
	}
	return li, ri, li >= 0
}

// runStride extends a match forward while consecutive token pairs stay at or
// above matchMed. Returns the one-past-end positions on both sides.
func (r reconciler) runStride(lwin []string, li int, rwin []string, ri int) (int, int) {
	for li < len(lwin) && ri < len(rwin) && r.similarity(lwin[li], rwin[ri]) >= r.matchMed {
		li++
		ri++
	}
	return li, ri
}

// overlap locates the matched stride between the tail of lToks and the head
// of rToks. lOff is the offset of the comparison window within lToks; lEnd
// and rEnd are one-past-stride positions in window coordinates. A stride
// shorter than two tokens is rejected unless the left match sits within the
// final two tokens of the window, which filters repeated short tokens that
// match earlier than the true boundary.
func (r reconciler) overlap(lToks, rToks []string) (lOff, lEnd, rEnd int, ok bool) {
	lwin := lToks
	if len(lwin) > r.nTokens {
		lwin = lToks[len(lToks)-r.nTokens:]
	}
	rwin := rToks
	if len(rwin) > r.nTokens {
		rwin = rToks[:r.nTokens]
	}

	li, ri, found := r.findClosestMatch(lwin, rwin)
	if !found {
		return 0, 0, 0, false
	}
	lEnd, rEnd = r.runStride(lwin, li, rwin, ri)
	if lEnd-li < 2 && li < len(lwin)-2 {
		return 0, 0, 0, false
	}
	return len(lToks) - len(lwin), lEnd, rEnd, true
}

// dedup removes the shared boundary overlap between two strings. On success
// the left half keeps the matched words and the right half drops them, so
// the concatenation contains each overlapping word exactly once. Empty input
// on either side is returned unchanged. ok is false when no overlap above
// the thresholds exists; the caller concatenates unchanged.
func (r reconciler) dedup(left, right string) (string, string, bool) {
	if left == "" || right == "" {
		return left, right, true
	}
	lToks := strings.Fields(left)
	rToks := strings.Fields(right)
	lOff, lEnd, rEnd, ok := r.overlap(lToks, rToks)
	if !ok {
		return "", "", false
	}
	return strings.Join(lToks[:lOff+lEnd], " "), strings.Join(rToks[rEnd:], " "), true
}

// blend joins two adjacent segments with left priority: the left text keeps
// the matched stride and, when the right side had more than nTokens tokens,
// absorbs one trailing token from the right window. That token is the true
// boundary word, which the left decode may have cut off mid-utterance. The
// unconsumed remainder of the right text is returned for the caller to carry
// forward. ok is false when no overlap was found.
func (r reconciler) blend(left, right string) (blended, remainder string, ok bool) {
	if right == "" {
		return left, "", true
	}
	if left == "" {
		return "", right, true
	}
	lToks := strings.Fields(left)
	rToks := strings.Fields(right)
	lOff, lEnd, rEnd, found := r.overlap(lToks, rToks)
	if !found {
		return "", "", false
	}

	kept := lToks[:lOff+lEnd]
	rest := rToks[rEnd:]
	if len(rToks) > r.nTokens && len(rest) > 0 {
		kept = append(kept[:len(kept):len(kept)], rest[0])
		rest = rest[1:]
	}
	return strings.Join(kept, " "), strings.Join(rest, " "), true
}

// merge integrates freshly decoded segments into the working set: the last
// working segment is blended with the first new one, then the remainder of
// the new segments is appended.
func (r reconciler) merge(ws, segs []Segment) []Segment {
	if len(segs) == 0 {
		return ws
	}
	if len(ws) == 0 {
		return append(ws, segs...)
	}

	last := &ws[len(ws)-1]
	blended, remainder, ok := r.blend(last.Text, segs[0].Text)
	if ok {
		last.Text = blended
		if strings.TrimSpace(remainder) != "" {
			carried := segs[0]
			carried.Text = strings.TrimSpace(remainder)
			ws = append(ws, carried)
		}
	} else {
		ws = append(ws, segs[0])
	}
	return append(ws, segs[1:]...)
}

// confirm drains every segment of the working set into the confirmed prefix.
// The first drained segment is deduplicated against the prefix tail; on
// rejection the two are concatenated unchanged with a single space.
func (r reconciler) confirm(prefix string, ws []Segment) string {
	if strings.TrimSpace(prefix) == "" {
		return strings.TrimSpace(joinSegmentTexts(ws))
	}
	if len(ws) == 0 {
		return prefix
	}

	first := ws[0].Text
	remaining := joinSegmentTexts(ws[1:])

	l, rr, ok := r.dedup(prefix, first)
	if !ok {
		l, rr = prefix, first
	}
	return strings.TrimSpace(joinNonEmpty(l, rr, remaining))
}

func joinSegmentTexts(segs []Segment) string {
	parts := make([]string, 0, len(segs))
	for _, s := range segs {
		parts = append(parts, s.Text)
	}
	return joinNonEmpty(parts...)
}

func joinNonEmpty(parts ...string) string {
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if strings.TrimSpace(p) != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, " ")
}
