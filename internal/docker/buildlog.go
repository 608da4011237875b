package docker

import (
	"fmt"
	"strings"
)

const buildLogTailSize = 40

// buildLog collapses consecutive duplicate lines and keeps the last lines for diagnostics.
type buildLog struct {
	emit    func(string)
	last    string
	repeats int
	buffer  []string
	size    int
}

func newBuildLog(size int, emit func(string)) *buildLog {
	if size <= 0 {
		size = buildLogTailSize
	}
	return &buildLog{emit: emit, size: size}
}

func (l *buildLog) Add(line string) {
	line = strings.TrimRight(line, "\r\n")
	if strings.TrimSpace(line) == "" {
		return
	}
	if line == l.last {
		l.repeats++
		return
	}
	l.flush()
	l.last = line
	l.record(line)
}

func (l *buildLog) flush() {
	if l.repeats == 0 {
		return
	}
	l.record(fmt.Sprintf("%s (repeated %d more times)", l.last, l.repeats))
	l.repeats = 0
}

func (l *buildLog) record(line string) {
	if l.emit != nil {
		l.emit(line)
	}
	if len(l.buffer) < l.size {
		l.buffer = append(l.buffer, line)
		return
	}
	l.buffer = append(l.buffer[1:], line)
}

// Tail flushes pending repeats and returns the retained lines.
func (l *buildLog) Tail() []string {
	l.flush()
	return append([]string(nil), l.buffer...)
}
