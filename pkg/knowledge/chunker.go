package knowledge

import (
	"slices"
	"strings"
)

// Chunker splits extracted text into line-aligned pieces of roughly
// size bytes. Consecutive chunks share about overlap bytes so passages
// spanning a boundary stay retrievable.
type Chunker struct {
	size    int
	overlap int
}

func NewChunker(size, overlap int) *Chunker {
	if size <= 0 {
		size = 1200
	}
	if overlap < 0 || overlap >= size {
		overlap = size / 5
	}
	return &Chunker{size: size, overlap: overlap}
}

// Split never breaks inside a line, so a chunk can exceed the target
// when a single line does. Text that fits in one chunk comes back
// unchanged; blank text yields nothing.
func (c *Chunker) Split(text string) []string {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	if len(text) <= c.size {
		return []string{text}
	}

	lines := strings.Split(text, "\n")

	var chunks []string
	var current []string
	currentLen := 0
	fresh := 0

	for _, line := range lines {
		current = append(current, line)
		currentLen += len(line) + 1
		fresh++

		if currentLen < c.size {
			continue
		}
		chunks = append(chunks, strings.Join(current, "\n"))

		// Seed the next chunk with trailing lines until the overlap
		// budget is covered.
		var seed []string
		seedLen := 0
		for i := len(current) - 1; i >= 0 && seedLen < c.overlap; i-- {
			seed = append(seed, current[i])
			seedLen += len(current[i]) + 1
		}
		slices.Reverse(seed)
		current = seed
		currentLen = seedLen
		fresh = 0
	}

	// A tail holding only the seeded overlap would duplicate text that
	// was already emitted, so it needs at least one fresh line.
	if fresh > 0 {
		chunks = append(chunks, strings.Join(current, "\n"))
	}

	return chunks
}
