package chunk

import (
	"regexp"
	"strings"
	"unicode"
)

// CustomSplitSign is a hard boundary inserted by upstream parsers. Text on
// either side of it is never joined into one chunk.
const CustomSplitSign = "-----CUSTOM_SPLIT_SIGN-----"

// Defaults applied by Options.normalize.
const (
	DefaultChunkSize          = 1000
	DefaultMaxSize            = 8000
	DefaultParagraphChunkDeep = 5
	DefaultOverlapRatio       = 0.15
	maxHeaderDepth            = 8
)

const (
	splitMarker     = "SPLIT_HERE_SPLIT_HERE"
	codeBlockMarker = "CODE_BLOCK_LINE_MARKER"
)

const fence = "```"

var (
	codeBlockRe     = regexp.MustCompile(`(` + fence + `[\s\S]*?` + fence + `|~~~[\s\S]*?~~~)`)
	tableExtractRe  = regexp.MustCompile(`(\n\|(?:(?:[^\n|]+\|){1,})\n\|(?:[:\-\s]+\|){1,}\n(?:\|(?:[^\n|]+\|)*\n?)*)(?:\n|$)`)
	excessNewlineRe = regexp.MustCompile(`(\r?\n|\r){3,}`)

	headerRes = func() []*regexp.Regexp {
		out := make([]*regexp.Regexp, maxHeaderDepth)
		for i := range out {
			out[i] = regexp.MustCompile(`(?m)^(` + strings.Repeat("#", i+1) + `\s[^\n]+\n)`)
		}
		return out
	}()

	codeStepRe  = regexp.MustCompile(`([\n](` + fence + `[\s\S]*?` + fence + `|~~~[\s\S]*?~~~))`)
	tableStepRe = regexp.MustCompile(`(\n\|(?:(?:[^\n|]+\|){1,})\n\|(?:[:\-\s]+\|){1,}\n(?:\|(?:[^\n|]+\|)*\n)*)`)
	tabStepRe   = regexp.MustCompile(`(\n(?:[^\n]*\t[^\n]*){2,})`)

	// Separators below the block level, coarsest first.
	sentenceStepRes = []*regexp.Regexp{
		regexp.MustCompile(`(\n{2,})`),
		regexp.MustCompile(`([\n])`),
		regexp.MustCompile(`([。]|([a-zA-Z])\.\s)`),
		regexp.MustCompile(`([！]|!\s)`),
		regexp.MustCompile(`([？]|\?\s)`),
		regexp.MustCompile(`([；]|;\s)`),
		regexp.MustCompile(`([，]|,\s)`),
	}
)

// Options configures Split.
type Options struct {
	// ChunkSize is the target chunk length in non-whitespace characters.
	ChunkSize int
	// ParagraphChunkDeep is how many markdown heading levels split text.
	// Zero means DefaultParagraphChunkDeep, negative disables heading splits.
	ParagraphChunkDeep int
	// ParagraphChunkMinSize merges chunks shorter than this into the
	// previous chunk when the result still fits ChunkSize. Zero disables it.
	ParagraphChunkMinSize int
	// MaxSize is the hard ceiling used for code blocks and tables.
	MaxSize int
	// OverlapRatio of ChunkSize is repeated at the start of the next chunk
	// when splitting at sentence level.
	OverlapRatio float64
	// CustomDelimiters are literal separators tried before anything else.
	// A delimiter may hold several alternatives joined with "|"; the two
	// characters `\n` stand for a newline.
	CustomDelimiters []string
}

// DefaultOptions returns the splitter defaults.
func DefaultOptions() Options {
	return Options{
		ChunkSize:          DefaultChunkSize,
		ParagraphChunkDeep: DefaultParagraphChunkDeep,
		MaxSize:            DefaultMaxSize,
		OverlapRatio:       DefaultOverlapRatio,
	}
}

func (o Options) normalize() Options {
	if o.ChunkSize <= 0 {
		o.ChunkSize = DefaultChunkSize
	}
	if o.MaxSize <= 0 {
		o.MaxSize = DefaultMaxSize
	}
	switch {
	case o.ParagraphChunkDeep == 0:
		o.ParagraphChunkDeep = DefaultParagraphChunkDeep
	case o.ParagraphChunkDeep < 0:
		o.ParagraphChunkDeep = 0
	}
	o.ParagraphChunkDeep = min(o.ParagraphChunkDeep, maxHeaderDepth)
	if o.OverlapRatio < 0 {
		o.OverlapRatio = 0
	}
	return o
}

// ValidLength counts the non-whitespace characters of s.
func ValidLength(s string) int {
	n := 0
	for _, r := range s {
		if !unicode.IsSpace(r) {
			n++
		}
	}
	return n
}

// Split cuts text into ordered chunks. It is a pure function: the same text
// and options always give the same chunks.
func Split(text string, opts Options) []string {
	opts = opts.normalize()

	var out []string
	for _, part := range strings.Split(text, CustomSplitSign) {
		var chunks []string
		switch {
		case isMarkdownTable(part):
			chunks = splitMarkdownTable(part, opts.ChunkSize, opts.MaxSize)
		case isTabTable(part):
			chunks = splitMarkdownTable(tabTableToMarkdown(part), opts.ChunkSize, opts.MaxSize)
		default:
			chunks = newSplitter(opts).run(part)
		}
		for _, c := range chunks {
			if c = strings.TrimSpace(c); c != "" {
				out = append(out, c)
			}
		}
	}
	return mergeSmall(out, opts.ParagraphChunkMinSize, opts.ChunkSize)
}

func mergeSmall(chunks []string, minSize, chunkSize int) []string {
	if minSize <= 0 || len(chunks) < 2 {
		return chunks
	}
	out := []string{chunks[0]}
	for _, c := range chunks[1:] {
		last := len(out) - 1
		if ValidLength(c) < minSize && ValidLength(out[last])+ValidLength(c) <= chunkSize {
			out[last] = out[last] + "\n" + c
			continue
		}
		out = append(out, c)
	}
	return out
}

type step struct {
	re       *regexp.Regexp
	literals []string
	maxLen   int
}

func (s step) matches(text string) bool {
	if s.re != nil {
		return s.re.MatchString(text)
	}
	for _, lit := range s.literals {
		if strings.Contains(text, lit) {
			return true
		}
	}
	return false
}

type piece struct {
	text   string
	title  string
	maxLen int
}

// splitter walks a ladder of separators from custom delimiters down to
// commas, recursing into any piece still too large at the current level.
type splitter struct {
	chunkSize     int
	maxSize       int
	overlapLen    int
	steps         []step
	customLen     int
	markdownIndex int
}

func newSplitter(opts Options) *splitter {
	s := &splitter{
		chunkSize:     opts.ChunkSize,
		maxSize:       opts.MaxSize,
		overlapLen:    int(float64(opts.ChunkSize)*opts.OverlapRatio + 0.5),
		markdownIndex: opts.ParagraphChunkDeep - 1,
	}
	for _, delim := range opts.CustomDelimiters {
		var lits []string
		for _, lit := range strings.Split(strings.ReplaceAll(delim, `\n`, "\n"), "|") {
			if lit != "" {
				lits = append(lits, lit)
			}
		}
		if len(lits) > 0 {
			s.steps = append(s.steps, step{literals: lits, maxLen: opts.ChunkSize})
		}
	}
	s.customLen = len(s.steps)
	for _, re := range headerRes[:opts.ParagraphChunkDeep] {
		s.steps = append(s.steps, step{re: re, maxLen: opts.ChunkSize})
	}
	s.steps = append(s.steps,
		step{re: codeStepRe, maxLen: opts.MaxSize},
		step{re: tableStepRe, maxLen: opts.MaxSize},
		step{re: tabStepRe, maxLen: opts.MaxSize},
	)
	for _, re := range sentenceStepRes {
		s.steps = append(s.steps, step{re: re, maxLen: opts.ChunkSize})
	}
	return s
}

func (s *splitter) isCustom(i int) bool { return i < s.customLen }

func (s *splitter) isMarkdown(i int) bool {
	return i >= s.customLen && i <= s.markdownIndex+s.customLen
}

// Overlap starts at the single-newline step.
func (s *splitter) forbidOverlap(i int) bool { return i <= s.customLen+s.markdownIndex+4 }

func (s *splitter) run(text string) []string {
	text = codeBlockRe.ReplaceAllStringFunc(text, func(m string) string {
		return strings.ReplaceAll(m, "\n", codeBlockMarker)
	})
	text = mergeTableFragments(text)
	for _, table := range tableExtractRe.FindAllString(text, -1) {
		parts := splitMarkdownTable(strings.TrimSpace(table), s.chunkSize, s.maxSize)
		text = strings.Replace(text, table, "\n"+strings.Join(parts, "\n")+"\n", 1)
	}
	text = excessNewlineRe.ReplaceAllString(text, "\n\n\n")

	chunks := s.split(text, 0, "", "")
	for i, c := range chunks {
		chunks[i] = strings.TrimSpace(strings.ReplaceAll(c, codeBlockMarker, "\n"))
	}
	return chunks
}

func (s *splitter) pieces(text string, i int) []piece {
	if i >= len(s.steps) {
		return []piece{{text: text, maxLen: s.chunkSize}}
	}
	st := s.steps[i]
	markdown := s.isMarkdown(i)

	replaced := text
	switch {
	case st.re == nil:
		for _, lit := range st.literals {
			replaced = strings.ReplaceAll(replaced, lit, splitMarker)
		}
	case markdown:
		replaced = st.re.ReplaceAllString(text, splitMarker+"${1}")
	default:
		replaced = st.re.ReplaceAllString(text, "${1}"+splitMarker)
	}

	var out []piece
	for _, part := range strings.Split(replaced, splitMarker) {
		if strings.TrimSpace(part) == "" {
			continue
		}
		p := piece{text: part, maxLen: s.chunkSize}
		if st.matches(part) {
			p.maxLen = st.maxLen
		}
		if markdown {
			p.title = st.re.FindString(part)
			p.text = strings.Replace(part, p.title, "", 1)
		}
		if p.title == "" && strings.TrimSpace(p.text) == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}

// overlap returns the tail of text to repeat at the start of the next chunk.
func (s *splitter) overlap(text string, i int) string {
	if s.forbidOverlap(i) || s.overlapLen == 0 || i >= len(s.steps) {
		return ""
	}
	limit := float64(s.chunkSize) * 0.4
	parts := s.pieces(text, i)
	tail := ""
	for j := len(parts) - 1; j >= 0; j-- {
		candidate := parts[j].text + tail
		n := ValidLength(candidate)
		if n > s.overlapLen {
			if float64(n) > limit {
				if deeper := s.overlap(candidate, i+1); deeper != "" {
					return deeper
				}
				return tail
			}
			return candidate
		}
		tail = candidate
	}
	return tail
}

func (s *splitter) slice(text string) []string {
	runes := []rune(text)
	stride := max(s.chunkSize-s.overlapLen, 1)
	var out []string
	for i := 0; i < ValidLength(text) && i < len(runes); i += stride {
		out = append(out, string(runes[i:min(i+s.chunkSize, len(runes))]))
	}
	return out
}

// split carries lastText, the unfinished tail of the previous chunk, into
// the next piece.
func (s *splitter) split(text string, i int, lastText, parentTitle string) []string {
	if i >= len(s.steps) {
		if ValidLength(text) < s.maxSize {
			return []string{text}
		}
		return s.slice(text)
	}

	markdown := s.isMarkdown(i)
	deepestHeading := i == s.markdownIndex+s.customLen
	parts := s.pieces(text, i)

	var chunks []string
	for j := 0; j < len(parts); j++ {
		p := parts[j]
		maxLen := float64(p.maxLen)
		lastLen := ValidLength(lastText)
		newText := lastText + p.text
		newLen := float64(ValidLength(newText))

		if markdown {
			title := parentTitle + p.title
			inner := s.split(newText, i+1, "", title)
			if len(inner) == 0 {
				chunks = append(chunks, title)
				continue
			}
			for _, c := range inner {
				if deepestHeading {
					c = title + c
				}
				chunks = append(chunks, c)
			}
			continue
		}

		if newLen > maxLen {
			minChunk, maxChunk := maxLen*0.8, maxLen*1.2

			if newLen < maxChunk {
				chunks = append(chunks, newText)
				lastText = s.overlap(newText, i)
				continue
			}
			if float64(lastLen) > minChunk {
				chunks = append(chunks, lastText)
				lastText = s.overlap(lastText, i)
				j--
				continue
			}

			inner := s.split(p.text, i+1, lastText, parentTitle+p.title)
			if len(inner) == 0 || inner[len(inner)-1] == "" {
				continue
			}
			last := inner[len(inner)-1]
			if float64(ValidLength(last)) < minChunk {
				chunks = append(chunks, inner[:len(inner)-1]...)
				lastText = last
				continue
			}
			chunks = append(chunks, inner...)
			lastText = s.overlap(last, i)
			continue
		}

		if s.isCustom(i) {
			chunks = append(chunks, p.text)
			continue
		}
		lastText = newText
	}

	if lastText != "" {
		n := len(chunks)
		switch {
		case n == 0:
			chunks = append(chunks, lastText)
		case chunks[n-1] != "" && !strings.HasSuffix(chunks[n-1], lastText):
			if float64(ValidLength(lastText)) < float64(s.chunkSize)*0.4 {
				chunks[n-1] += lastText
			} else {
				chunks = append(chunks, lastText)
			}
		}
	}
	return chunks
}
