package stream

import "unicode/utf8"

// Deduper remembers how much of each channel the client already received
// for one logical request. When a stream is re-issued after a cut, the new
// attempt starts from the beginning; its output is suppressed until it
// passes what was delivered, then appended.
type Deduper struct {
	sent [numChannels]int
}

func (d *Deduper) Sent(ch Channel) int { return d.sent[ch] }

// Attempt starts counting a new provider stream.
func (d *Deduper) Attempt() *Attempt {
	return &Attempt{d: d}
}

type Attempt struct {
	d    *Deduper
	seen [numChannels]int
}

// Filter returns the part of ev the client has not seen yet, or false when
// nothing new remains.
func (a *Attempt) Filter(ev Event) (Event, bool) {
	ch := ev.Channel
	start := a.seen[ch]
	a.seen[ch] += len(ev.Text)

	sent := a.d.sent[ch]
	if a.seen[ch] <= sent {
		return Event{}, false
	}
	if start < sent {
		cut := sent - start
		for cut < len(ev.Text) && !utf8.RuneStart(ev.Text[cut]) {
			cut++
		}
		ev.Text = ev.Text[cut:]
	}
	a.d.sent[ch] = a.seen[ch]
	if ev.Text == "" {
		return Event{}, false
	}
	return ev, true
}
