package label

import (
	"strings"
	"unicode/utf8"
)

// MinFontFloor is the smallest size any fit routine will return.
const MinFontFloor = 1

// widthTolerance absorbs float rounding in the width comparison.
const widthTolerance = 1e-9

// EstimateTextWidth approximates the rendered width of chars glyphs at size
// using a fixed per-character ratio. No font metrics are consulted, so the
// estimate works headless.
func EstimateTextWidth(chars, size int, ratio float64) float64 {
	return float64(chars) * float64(size) * ratio
}

// FitFontSize returns the largest size in [floor, start] whose estimated width
// fits maxWidth, or floor when none does. Empty text returns start.
//
// The search bisects the range. For chars > 0 and ratio > 0 the estimate is
// strictly increasing in size, so bisection finds the same size as stepping
// down one at a time from start.
func FitFontSize(chars int, maxWidth float64, start int, ratio float64, floor int) int {
	if floor < MinFontFloor {
		floor = MinFontFloor
	}
	if start < floor {
		return floor
	}
	if chars <= 0 || ratio <= 0 {
		return start
	}

	fits := func(size int) bool {
		return EstimateTextWidth(chars, size, ratio) <= maxWidth+widthTolerance
	}
	if fits(start) {
		return start
	}
	if !fits(floor) {
		return floor
	}

	// invariant: fits(lo) && !fits(hi)
	lo, hi := floor, start
	for hi-lo > 1 {
		mid := lo + (hi-lo)/2
		if fits(mid) {
			lo = mid
		} else {
			hi = mid
		}
	}
	return lo
}

// FitText is FitFontSize over the rune count of text.
func FitText(text string, maxWidth float64, start int, ratio float64, floor int) int {
	return FitFontSize(utf8.RuneCountInString(text), maxWidth, start, ratio, floor)
}

// CharsPerLine is how many glyphs of size fit into maxWidth. Always at least 1.
func CharsPerLine(maxWidth float64, size int, ratio float64) int {
	if size <= 0 || ratio <= 0 {
		return 1
	}
	n := int((maxWidth + widthTolerance) / (float64(size) * ratio))
	if n < 1 {
		return 1
	}
	return n
}

// WrapText greedily packs words into lines of at most charsPerLine runes.
// Words longer than a line are broken across lines.
func WrapText(text string, charsPerLine int) []string {
	if charsPerLine < 1 {
		charsPerLine = 1
	}

	var lines []string
	var cur []rune
	flush := func() {
		if len(cur) > 0 {
			lines = append(lines, string(cur))
			cur = cur[:0]
		}
	}

	for _, word := range strings.Fields(text) {
		w := []rune(word)
		for len(w) > charsPerLine {
			flush()
			lines = append(lines, string(w[:charsPerLine]))
			w = w[charsPerLine:]
		}
		switch {
		case len(cur) == 0:
			cur = append(cur, w...)
		case len(cur)+1+len(w) <= charsPerLine:
			cur = append(cur, ' ')
			cur = append(cur, w...)
		default:
			flush()
			cur = append(cur, w...)
		}
	}
	flush()
	return lines
}

// FitWrappedFontSize shrinks size from start until text wraps into at most
// maxLines lines of maxWidth, stopping at floor. It returns the chosen size
// and the wrapped lines at that size, which may exceed maxLines only when
// floor was reached.
func FitWrappedFontSize(text string, maxWidth float64, maxLines, start int, ratio float64, floor int) (int, []string) {
	if floor < MinFontFloor {
		floor = MinFontFloor
	}
	if maxLines < 1 {
		maxLines = 1
	}
	if start < floor {
		start = floor
	}
	if strings.TrimSpace(text) == "" {
		return start, nil
	}

	size := start
	for {
		lines := WrapText(text, CharsPerLine(maxWidth, size, ratio))
		if len(lines) <= maxLines || size <= floor {
			return size, lines
		}
		size--
	}
}

// EstimateBarcodeWidth predicts the printed width in dots of a Code 128
// symbol for data at moduleWidth dots per module, without rendering it.
// Each symbol is 11 modules; start and checksum add one symbol each and the
// stop pattern is 13 modules. All-digit data of even length (4 or more) is
// assumed to pack two digits per symbol.
func EstimateBarcodeWidth(data string, moduleWidth int) int {
	if moduleWidth < 1 {
		moduleWidth = 1
	}
	n := utf8.RuneCountInString(data)
	if n == 0 {
		return 0
	}

	symbols := n
	if n >= 4 && n%2 == 0 && isDigits(data) {
		symbols = n / 2
	}
	modules := 11*(symbols+2) + 13
	return modules * moduleWidth
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}
