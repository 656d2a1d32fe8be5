package server

import "strings"

// coalesceMin is the smallest fragment worth emitting on its own; shorter
// fragments accumulate until a sentence boundary or the minimum is reached.
const coalesceMin = 5

// sentenceDelimiters end a fragment immediately regardless of length.
const sentenceDelimiters = ".!?;:\n。！？；："

// coalescer merges tiny content fragments into readable chunks before they
// hit the wire. Emit receives the merged text and the phase of its first
// fragment.
type coalescer struct {
	buf   strings.Builder
	phase string
	emit  func(text, phase string)
}

func newCoalescer(emit func(text, phase string)) *coalescer {
	return &coalescer{emit: emit}
}

// Add buffers one fragment, flushing when the accumulated text is long
// enough or ends a sentence.
func (c *coalescer) Add(text, phase string) {
	if text == "" {
		return
	}
	if c.buf.Len() == 0 {
		c.phase = phase
	}
	c.buf.WriteString(text)

	if c.buf.Len() >= coalesceMin || endsSentence(text) {
		c.Flush()
	}
}

// Flush emits whatever is buffered.
func (c *coalescer) Flush() {
	if c.buf.Len() == 0 {
		return
	}
	c.emit(c.buf.String(), c.phase)
	c.buf.Reset()
}

func endsSentence(text string) bool {
	runes := []rune(text)
	if len(runes) == 0 {
		return false
	}
	return strings.ContainsRune(sentenceDelimiters, runes[len(runes)-1])
}
