package registry

import "time"

// StatusMessage is a short operator-facing line.
type StatusMessage struct {
	At   time.Time
	Text string
}

// StatusQueue keeps the most recent status lines. The sticky line is shown
// until the first real status arrives.
type StatusQueue struct {
	limit  int
	lines  []StatusMessage // oldest first
	sticky string
}

func NewStatusQueue(limit int, sticky string) StatusQueue {
	if limit <= 0 {
		limit = 3
	}
	return StatusQueue{limit: limit, sticky: sticky}
}

func (q *StatusQueue) Write(at time.Time, text string) {
	q.sticky = ""
	q.lines = append(q.lines, StatusMessage{At: at, Text: text})
	if over := len(q.lines) - q.limit; over > 0 {
		q.lines = append(q.lines[:0], q.lines[over:]...)
	}
}

// Read returns the lines newest first.
func (q *StatusQueue) Read() []string {
	if len(q.lines) == 0 {
		if q.sticky != "" {
			return []string{q.sticky}
		}
		return nil
	}
	out := make([]string, 0, len(q.lines))
	for i := len(q.lines) - 1; i >= 0; i-- {
		out = append(out, q.lines[i].Text)
	}
	return out
}
