package supervisor

import (
	"strings"
	"sync"
)

// OutputRingBuffer keeps the most recent console lines of a process.
// Oldest lines are dropped once the line capacity is reached.
type OutputRingBuffer struct {
	mu       sync.Mutex
	lines    []string
	start    int
	size     int
	total    int
	maxChars int
}

// NewOutputRingBuffer creates a buffer holding maxLines lines whose
// serialized tail is bounded by maxChars characters.
func NewOutputRingBuffer(maxLines, maxChars int) *OutputRingBuffer {
	if maxLines <= 0 {
		maxLines = 1
	}
	return &OutputRingBuffer{
		lines:    make([]string, maxLines),
		maxChars: maxChars,
	}
}

// Append adds a line, evicting the oldest when full.
func (b *OutputRingBuffer) Append(line string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.total++
	if b.size < len(b.lines) {
		b.lines[(b.start+b.size)%len(b.lines)] = line
		b.size++
		return
	}
	b.lines[b.start] = line
	b.start = (b.start + 1) % len(b.lines)
}

// Lines returns the retained lines, oldest first.
func (b *OutputRingBuffer) Lines() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]string, b.size)
	for i := 0; i < b.size; i++ {
		out[i] = b.lines[(b.start+i)%len(b.lines)]
	}
	return out
}

// Len returns the number of retained lines.
func (b *OutputRingBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// Total returns the number of lines ever appended.
func (b *OutputRingBuffer) Total() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.total
}

// Text joins the retained lines with newlines.
func (b *OutputRingBuffer) Text() string {
	return strings.Join(b.Lines(), "\n")
}

// Tail returns the retained output for display, cut from the front with a
// leading "..." when longer than the character bound.
func (b *OutputRingBuffer) Tail() string {
	return TruncateFront(b.Text(), b.maxChars)
}

// TruncateFront keeps the last max characters of s, marking the cut with
// "...". A non-positive max returns s unchanged.
func TruncateFront(s string, max int) string {
	if max <= 0 {
		return s
	}
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	if max <= 3 {
		return string(r[len(r)-max:])
	}
	return "..." + string(r[len(r)-(max-3):])
}
