package dialogue

import (
	"reflect"
	"testing"
)

func TestSentenceChunker_ExtractsOnTerminatorPlusSpace(t *testing.T) {
	c := NewSentenceChunker()

	chunks := c.Feed("Hello there. How can I ")
	if len(chunks) != 1 {
		t.Fatalf("expected 1 chunk, got %d: %+v", len(chunks), chunks)
	}
	if chunks[0] != (Chunk{Index: 0, Text: "Hello there."}) {
		t.Fatalf("unexpected chunk: %+v", chunks[0])
	}

	chunks = c.Feed("help you today?")
	if len(chunks) != 0 {
		t.Fatalf("expected no chunk yet (no trailing whitespace), got %+v", chunks)
	}
}

func TestSentenceChunker_HoldsTerminatorAtBufferEnd(t *testing.T) {
	c := NewSentenceChunker()

	chunks := c.Feed("Is that correct.")
	if len(chunks) != 0 {
		t.Fatalf("terminator at end of buffer with no trailing whitespace yet should not cut: %+v", chunks)
	}

	chunks = c.Feed(" Yes")
	if len(chunks) != 1 || chunks[0].Text != "Is that correct." {
		t.Fatalf("expected the held sentence once whitespace arrives, got %+v", chunks)
	}
}

func TestSentenceChunker_MultipleSentencesInOneDelta(t *testing.T) {
	c := NewSentenceChunker()

	chunks := c.Feed("One. Two! Three? Four")
	want := []Chunk{
		{Index: 0, Text: "One. Two! Three?"},
	}
	if !reflect.DeepEqual(chunks, want) {
		t.Fatalf("got %+v, want %+v", chunks, want)
	}
}

func TestSentenceChunker_FlushEmitsRemainderWithoutTerminator(t *testing.T) {
	c := NewSentenceChunker()
	c.Feed("Thanks for calling")

	chunks := c.Flush()
	if len(chunks) != 1 || chunks[0] != (Chunk{Index: 0, Text: "Thanks for calling"}) {
		t.Fatalf("unexpected flush result: %+v", chunks)
	}
}

func TestSentenceChunker_FlushOnEmptyBufferReturnsNothing(t *testing.T) {
	c := NewSentenceChunker()
	c.Feed("Done. ")
	if chunks := c.Flush(); chunks != nil {
		t.Fatalf("expected no chunks on the empty remainder, got %+v", chunks)
	}
}

func TestSentenceChunker_IndicesAreMonotonicAcrossFeedAndFlush(t *testing.T) {
	c := NewSentenceChunker()
	all := append([]Chunk{}, c.Feed("First. Second. ")...)
	all = append(all, c.Flush()...)

	for i, chunk := range all {
		if chunk.Index != i {
			t.Fatalf("chunk %d has index %d, want %d", i, chunk.Index, i)
		}
	}
}

func TestSentenceChunker_DecimalNumberDoesNotSplit(t *testing.T) {
	c := NewSentenceChunker()
	chunks := c.Feed("That's 19.99 total. ")
	if len(chunks) != 1 {
		t.Fatalf("expected the decimal point (no trailing space) to not split the sentence, got %+v", chunks)
	}
	if chunks[0].Text != "That's 19.99 total." {
		t.Fatalf("unexpected sentence: %q", chunks[0].Text)
	}
}
