package supervisor

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"
)

// drainWait bounds how long Monitor keeps reading after the process exits,
// in case a process that left the group still holds the pipe open.
const drainWait = 200 * time.Millisecond

// OutputSink receives console updates while a process runs.
type OutputSink interface {
	// OnOutput is called with the current retained window, oldest line first.
	OnOutput(lines []string)
}

// OutputSinkFunc adapts a function to OutputSink.
type OutputSinkFunc func(lines []string)

func (f OutputSinkFunc) OnOutput(lines []string) { f(lines) }

// Monitor consumes the process output until it exits or ctx is cancelled.
// Each line lands in the process ring buffer; sink is notified after every
// LinesPerUpdate new lines or every UpdateInterval with pending lines,
// whichever comes first. It returns the retained window. Call it at most
// once per process.
func (s *Supervisor) Monitor(ctx context.Context, p *Process, sink OutputSink) []string {
	ticker := time.NewTicker(s.updateInterval)
	defer ticker.Stop()

	pending := 0
	flush := func() {
		if pending == 0 {
			return
		}
		pending = 0
		if sink != nil {
			sink.OnOutput(p.output.Lines())
		}
	}
	add := func(line string) {
		p.output.Append(line)
		pending++
		if pending >= s.linesPerUpdate {
			flush()
		}
	}

	lines := p.lines
	for {
		select {
		case line, ok := <-lines:
			if !ok {
				// Pipe closed; the exit is imminent.
				lines = nil
				continue
			}
			add(line)
		case <-ticker.C:
			flush()
		case <-p.done:
			s.drain(p, lines, add)
			p.releaseOutput()
			flush()
			s.logger.Info("process exited",
				slog.Int("pid", p.PID()),
				slog.Int("exit_code", p.ExitCode()),
				slog.Int("lines", p.output.Total()),
			)
			return p.output.Lines()
		case <-ctx.Done():
			flush()
			return p.output.Lines()
		}
	}
}

// drain reads what is left in the line queue once the process has exited.
func (s *Supervisor) drain(p *Process, lines <-chan string, add func(string)) {
	if lines == nil {
		return
	}
	timer := time.NewTimer(drainWait)
	defer timer.Stop()
	for {
		select {
		case line, ok := <-lines:
			if !ok {
				return
			}
			add(line)
		case <-timer.C:
			return
		}
	}
}

// readLines pumps the merged stdout/stderr pipe into the line queue.
// Transient read errors are retried on the next tick while the process lives.
// It returns once the pipe is drained or the output has been released.
func (s *Supervisor) readLines(p *Process, r *os.File) {
	defer close(p.lines)
	defer p.releaseOutput()

	send := func(line string) bool {
		select {
		case p.lines <- strings.TrimSuffix(line, "\r"):
			return true
		case <-p.release:
			return false
		}
	}

	br := bufio.NewReaderSize(r, maxLineBytes)
	var partial strings.Builder
	for {
		chunk, isPrefix, err := br.ReadLine()
		if len(chunk) > 0 && partial.Len() < maxLineBytes {
			room := maxLineBytes - partial.Len()
			if len(chunk) > room {
				chunk = chunk[:room]
			}
			partial.Write(chunk)
		}
		if err == nil && !isPrefix {
			if !send(partial.String()) {
				return
			}
			partial.Reset()
			continue
		}
		if err == nil {
			continue
		}
		if errors.Is(err, io.EOF) || errors.Is(err, os.ErrClosed) {
			if partial.Len() > 0 {
				send(partial.String())
			}
			return
		}
		s.logger.Warn("reading process output",
			slog.Int("pid", p.PID()),
			slog.String("error", err.Error()),
		)
		if !p.Alive() {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
}
