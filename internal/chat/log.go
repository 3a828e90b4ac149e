package chat

import "feedchat/internal/domain"

// Log is the ordered message sequence of one conversation. Order is append
// order; entries are replaced in place on reconciliation and never move.
// Log is not safe for concurrent use; Client serializes access.
type Log struct {
	entries    []domain.Message
	byToken    map[string]int
	byServerID map[string]int
}

func NewLog() *Log {
	return &Log{
		byToken:    make(map[string]int),
		byServerID: make(map[string]int),
	}
}

// Append adds a message at the end and returns its position.
func (l *Log) Append(m domain.Message) int {
	pos := len(l.entries)
	l.entries = append(l.entries, m)
	l.index(m, pos)
	return pos
}

// ByToken looks a message up by correlation token.
func (l *Log) ByToken(token string) (domain.Message, int, bool) {
	if token == "" {
		return domain.Message{}, -1, false
	}
	pos, ok := l.byToken[token]
	if !ok {
		return domain.Message{}, -1, false
	}
	return l.entries[pos], pos, true
}

// Find returns the position of an entry describing the same message as m,
// matched by server id first and then by correlation token.
func (l *Log) Find(m domain.Message) (int, bool) {
	if pos, ok := l.byServerID[m.ID]; ok && l.entries[pos].SameAs(m) {
		return pos, true
	}
	if pos, ok := l.byToken[m.CorrelationToken]; ok && l.entries[pos].SameAs(m) {
		return pos, true
	}
	return -1, false
}

// Replace swaps the record at pos for m, keeping its position.
func (l *Log) Replace(pos int, m domain.Message) {
	l.entries[pos] = m
	l.index(m, pos)
}

// Pending returns the positions of messages still awaiting the relay.
func (l *Log) Pending() []int {
	var out []int
	for i, m := range l.entries {
		if m.Pending() {
			out = append(out, i)
		}
	}
	return out
}

// At returns the message at pos.
func (l *Log) At(pos int) domain.Message { return l.entries[pos] }

// Snapshot returns a copy safe to hand to renderers.
func (l *Log) Snapshot() []domain.Message {
	out := make([]domain.Message, len(l.entries))
	copy(out, l.entries)
	return out
}

func (l *Log) index(m domain.Message, pos int) {
	if m.CorrelationToken != "" {
		l.byToken[m.CorrelationToken] = pos
	}
	if m.Confirmed() && m.ID != "" {
		l.byServerID[m.ID] = pos
	}
}
