package dialogue

import "strings"

// SentenceChunker accumulates streamed text deltas and extracts
// complete sentences as soon as a terminal punctuation mark followed by
// whitespace is seen, guaranteeing the TTS client always receives whole
// sentences with monotonically increasing chunk indices.
type SentenceChunker struct {
	buffer    strings.Builder
	nextIndex int
}

// NewSentenceChunker creates an empty chunker starting at index 0.
func NewSentenceChunker() *SentenceChunker {
	return &SentenceChunker{}
}

// Feed appends a streamed delta to the buffer and returns the complete
// sentences now extractable as a single chunk (the longest prefix ending
// at a terminator followed by whitespace), tagged with its chunk index,
// or no chunk if there is no such boundary yet.
func (c *SentenceChunker) Feed(delta string) []Chunk {
	c.buffer.WriteString(delta)
	return c.drain(false)
}

// Flush extracts any remaining buffered text as a final chunk, even if
// it has no terminal punctuation. Call once when the LLM stream ends.
// The chunker has no notion of markers: a trailing INITIATING_TRANSFER
// or an unterminated BOOKING_APPOINTMENT block can come back as-is in
// the returned chunk, so callers must scan with markers.FindMarkerPrefix
// before dispatching it for synthesis.
func (c *SentenceChunker) Flush() []Chunk {
	return c.drain(true)
}

// Chunk is one sentence-bounded unit of assistant speech ready for TTS.
type Chunk struct {
	Index int
	Text  string
}

func (c *SentenceChunker) drain(flushRemainder bool) []Chunk {
	var chunks []Chunk

	for {
		text := c.buffer.String()
		cut := lastTerminatorBoundary(text)
		if cut == -1 {
			break
		}

		sentence := strings.TrimSpace(text[:cut])
		remainder := text[cut:]
		c.buffer.Reset()
		c.buffer.WriteString(remainder)

		if sentence != "" {
			chunks = append(chunks, Chunk{Index: c.nextIndex, Text: sentence})
			c.nextIndex++
		}
	}

	if flushRemainder {
		remainder := strings.TrimSpace(c.buffer.String())
		c.buffer.Reset()
		if remainder != "" {
			chunks = append(chunks, Chunk{Index: c.nextIndex, Text: remainder})
			c.nextIndex++
		}
	}

	return chunks
}

// lastTerminatorBoundary finds the end of the maximal prefix of text
// ending at the last terminal-punctuation-plus-whitespace boundary, or
// -1 if none exists yet.
func lastTerminatorBoundary(text string) int {
	cut := -1
	for i, r := range text {
		if r != '.' && r != '!' && r != '?' {
			continue
		}
		if i+1 >= len(text) {
			continue // terminator at the very end: wait for trailing whitespace
		}
		next := text[i+1]
		if next == ' ' || next == '\n' || next == '\t' {
			cut = i + 1
		}
	}
	return cut
}
