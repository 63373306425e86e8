package history

// DefaultMaxTurns keeps the last ten user/assistant exchanges.
const DefaultMaxTurns = 20

// Log is a bounded, ordered sequence of turns. When an append pushes the length
// past the cap, the oldest turns are dropped first. Log is not safe for
// concurrent use; Store serializes access.
type Log struct {
	buf   []Turn
	start int
	n     int
}

func NewLog(maxTurns int) *Log {
	if maxTurns <= 0 {
		maxTurns = DefaultMaxTurns
	}
	return &Log{buf: make([]Turn, maxTurns)}
}

func (l *Log) Cap() int { return len(l.buf) }

func (l *Log) Len() int { return l.n }

func (l *Log) Append(turns ...Turn) {
	for _, t := range turns {
		if l.n < len(l.buf) {
			l.buf[(l.start+l.n)%len(l.buf)] = t
			l.n++
			continue
		}
		l.buf[l.start] = t
		l.start = (l.start + 1) % len(l.buf)
	}
}

// Snapshot returns a copy of the retained turns, oldest first.
func (l *Log) Snapshot() []Turn {
	out := make([]Turn, l.n)
	for i := 0; i < l.n; i++ {
		out[i] = l.buf[(l.start+i)%len(l.buf)]
	}
	return out
}

func (l *Log) Reset() {
	clear(l.buf)
	l.start = 0
	l.n = 0
}
