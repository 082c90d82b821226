// Package chunker splits processed documents into token-bounded chunks for
// embedding. Advanced mode walks structural boundaries (section headings,
// paragraphs, sentences) before falling back to raw token windows; basic mode
// splits purely by token count with a fixed overlap.
package chunker

import (
	"fmt"
	"regexp"
	"strings"

	"docindex/internal/models"
	"docindex/internal/tokenizer"
)

// Mode selects the chunking strategy.
type Mode string

const (
	// ModeAdvanced splits along structural delimiters in priority order,
	// accumulating sibling units up to the token budget.
	ModeAdvanced Mode = "advanced"
	// ModeBasic splits purely by token count with an overlap window.
	ModeBasic Mode = "basic"
)

// Options configures a chunking run.
type Options struct {
	Mode      Mode
	MaxTokens int
	// Overlap is the token overlap between consecutive chunks in basic mode.
	Overlap int
}

var (
	headingRe   = regexp.MustCompile(`(?m)^#{2,}[^\n]+`)
	paragraphRe = regexp.MustCompile(`\n\s*\n`)
	sentenceRe  = regexp.MustCompile(`[.!?]\s+`)
)

// Chunker produces ordered, deterministic chunks from document content.
type Chunker struct {
	counter *tokenizer.Counter
}

// New creates a Chunker using the given token counter for budget decisions.
func New(counter *tokenizer.Counter) *Chunker {
	return &Chunker{counter: counter}
}

type piece struct {
	text      string
	truncated bool
}

// Chunk splits a document into ordered chunks. Empty content yields an empty
// slice and no error. Identical input always yields identical output, which
// keeps re-ingestion idempotent.
func (c *Chunker) Chunk(doc *models.ProcessedDocument, opts Options) ([]models.Chunk, error) {
	if opts.MaxTokens <= 0 {
		return nil, fmt.Errorf("max tokens per chunk must be positive, got %d", opts.MaxTokens)
	}
	if strings.TrimSpace(doc.Content) == "" {
		return nil, nil
	}

	var pieces []piece
	switch opts.Mode {
	case ModeBasic:
		if opts.Overlap < 0 || opts.Overlap >= opts.MaxTokens {
			return nil, fmt.Errorf("overlap must be in [0, max tokens), got %d", opts.Overlap)
		}
		pieces = c.splitTokenWindows(doc.Content, opts.MaxTokens, opts.Overlap, false)
	case ModeAdvanced, "":
		pieces = c.splitStructural(doc.Content, opts.MaxTokens)
	default:
		return nil, fmt.Errorf("unknown chunk mode %q", opts.Mode)
	}

	chunks := make([]models.Chunk, 0, len(pieces))
	for i, p := range pieces {
		chunks = append(chunks, models.Chunk{
			ParentID:   doc.ID,
			Index:      i,
			Text:       p.text,
			TokenCount: c.counter.Count(p.text),
			Truncated:  p.truncated,
		})
	}
	return chunks, nil
}

// splitStructural implements advanced mode: sections, then paragraphs, then
// sentences, then a forced token-level split for units that alone exceed the
// budget.
func (c *Chunker) splitStructural(content string, maxTokens int) []piece {
	units := splitSections(content)
	return c.accumulate(units, "", maxTokens, c.splitParagraphUnit)
}

func (c *Chunker) splitParagraphUnit(unit string, maxTokens int) []piece {
	paragraphs := splitNonEmpty(paragraphRe.Split(unit, -1))
	return c.accumulate(paragraphs, "\n\n", maxTokens, c.splitSentenceUnit)
}

func (c *Chunker) splitSentenceUnit(unit string, maxTokens int) []piece {
	sentences := splitSentences(unit)
	return c.accumulate(sentences, " ", maxTokens, func(u string, budget int) []piece {
		return c.splitTokenWindows(u, budget, 0, true)
	})
}

// accumulate packs sibling units into chunks up to the token budget. A unit
// that alone exceeds the budget is handed to the next finer split level.
func (c *Chunker) accumulate(units []string, sep string, maxTokens int, oversize func(string, int) []piece) []piece {
	var result []piece
	var current strings.Builder
	currentTokens := 0

	flush := func() {
		if current.Len() > 0 {
			result = append(result, piece{text: current.String()})
			current.Reset()
			currentTokens = 0
		}
	}

	for _, unit := range units {
		unitTokens := c.counter.Count(unit)
		if unitTokens > maxTokens {
			flush()
			result = append(result, oversize(unit, maxTokens)...)
			continue
		}
		sepTokens := 0
		if current.Len() > 0 {
			sepTokens = c.counter.Count(sep)
		}
		if current.Len() > 0 && currentTokens+sepTokens+unitTokens > maxTokens {
			flush()
		}
		if current.Len() > 0 {
			current.WriteString(sep)
			currentTokens += sepTokens
		}
		current.WriteString(unit)
		currentTokens += unitTokens
	}
	flush()
	return result
}

// splitTokenWindows cuts text into fixed token windows. With overlap > 0 each
// window repeats the tail of its predecessor for context continuity.
func (c *Chunker) splitTokenWindows(text string, maxTokens, overlap int, truncated bool) []piece {
	tokens := c.counter.Encode(text)
	if len(tokens) <= maxTokens {
		return []piece{{text: text, truncated: false}}
	}
	step := maxTokens - overlap
	var result []piece
	for start := 0; start < len(tokens); start += step {
		end := start + maxTokens
		if end > len(tokens) {
			end = len(tokens)
		}
		result = append(result, piece{
			text:      c.counter.Decode(tokens[start:end]),
			truncated: truncated,
		})
		if end == len(tokens) {
			break
		}
	}
	return result
}

// splitSections cuts content at markdown headings (##, ###, ...), keeping each
// heading attached to the content that follows it. Text is preserved exactly so
// section-level chunks concatenate back to the source.
func splitSections(content string) []string {
	locs := headingRe.FindAllStringIndex(content, -1)
	if len(locs) == 0 {
		return []string{content}
	}
	var sections []string
	prev := 0
	for _, loc := range locs {
		if loc[0] > prev {
			sections = append(sections, content[prev:loc[0]])
		}
		prev = loc[0]
	}
	sections = append(sections, content[prev:])
	return splitNonEmpty(sections)
}

// splitSentences cuts text after sentence-ending punctuation. The trailing
// separator whitespace is dropped; sentences rejoin with single spaces.
func splitSentences(text string) []string {
	locs := sentenceRe.FindAllStringIndex(text, -1)
	if len(locs) == 0 {
		return []string{text}
	}
	var sentences []string
	prev := 0
	for _, loc := range locs {
		// Keep the punctuation (first byte of the match) with the sentence.
		sentences = append(sentences, text[prev:loc[0]+1])
		prev = loc[1]
	}
	if prev < len(text) {
		sentences = append(sentences, text[prev:])
	}
	return splitNonEmpty(sentences)
}

func splitNonEmpty(parts []string) []string {
	out := parts[:0:0]
	for _, p := range parts {
		if strings.TrimSpace(p) != "" {
			out = append(out, p)
		}
	}
	return out
}
