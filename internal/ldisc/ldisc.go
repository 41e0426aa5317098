// Package ldisc implements the input side of a terminal line discipline.
//
// Consume runs every input byte through a fixed, ordered pipeline of stages:
//
//	translate -> canonical -> signal -> flow -> extended -> append
//
// Each stage returns an explicit outcome. A byte either passes on (possibly
// rewritten), is suppressed, or is consumed by the stage; the byte value is
// never used to carry that decision, so NUL is ordinary input.
//
// The discipline never performs side effects. Echo, signals and flow control
// are reported as Events for a collaborator to execute.
package ldisc

import "github.com/peterje/ttymux/internal/termios"

// Result is the state produced by one call to Consume.
type Result struct {
	// Cooked is the open, unterminated line after the input was processed.
	Cooked []byte
	// Completed holds the lines or chunks to push to the outbound queue,
	// oldest first.
	Completed [][]byte
	// Events holds control events in input order.
	Events []Event
}

type verdict uint8

const (
	pass verdict = iota
	suppressed
	consumed
)

type outcome struct {
	verdict verdict
	b       byte
}

func passOn(b byte) outcome { return outcome{verdict: pass, b: b} }

var (
	suppress = outcome{verdict: suppressed}
	handled  = outcome{verdict: consumed}
)

type stage func(m *machine, b byte) outcome

// The order is load-bearing.
var pipeline = []stage{
	(*machine).translate,
	(*machine).canonical,
	(*machine).signal,
	(*machine).flow,
	(*machine).extended,
}

// Editor carries out a WordErase or Kill on the open line at the point the
// byte is seen and returns how many leading bytes of line to keep.
type Editor func(kind Kind, line []byte) int

type machine struct {
	attr   termios.Attributes
	edit   Editor
	cooked []byte
	res    Result
}

// Consume feeds input through the discipline configured by attr, starting
// from the open line cooked. cooked is not modified. WordErase and Kill
// leave the open line alone.
func Consume(attr termios.Attributes, cooked, input []byte) Result {
	return ConsumeWith(attr, cooked, input, nil)
}

// ConsumeWith is Consume with edit applied to the open line for each
// WordErase and Kill, in input order. The bytes edit removes are carried in
// the event's Text. Reprint events always carry the open line.
func ConsumeWith(attr termios.Attributes, cooked, input []byte, edit Editor) Result {
	m := &machine{
		attr:   attr,
		edit:   edit,
		cooked: append([]byte(nil), cooked...),
	}
	for _, b := range input {
		m.feed(b)
	}

	if !attr.LEnabled(termios.ICANON) && len(m.cooked) >= attr.VMin() {
		m.complete()
	}

	m.res.Cooked = m.cooked
	return m.res
}

func (m *machine) feed(b byte) {
	for _, st := range pipeline {
		out := st(m, b)
		if out.verdict != pass {
			return
		}
		b = out.b
	}
	if m.attr.LEnabled(termios.ECHO) {
		m.emit(Echo, b)
	}
	m.cooked = append(m.cooked, b)
}

func (m *machine) emit(kind Kind, b byte) {
	m.res.Events = append(m.res.Events, Event{Kind: kind, Byte: b})
}

// complete pushes a copy of the open line and clears it.
func (m *machine) complete() {
	line := make([]byte, len(m.cooked))
	copy(line, m.cooked)
	m.res.Completed = append(m.res.Completed, line)
	m.cooked = m.cooked[:0]
}

func (m *machine) translate(b byte) outcome {
	switch b {
	case '\n':
		if m.attr.IEnabled(termios.INLCR) {
			return passOn('\r')
		}
	case '\r':
		if m.attr.IEnabled(termios.IGNCR) {
			return suppress
		}
		if m.attr.IEnabled(termios.ICRNL) {
			return passOn('\n')
		}
	}
	return passOn(b)
}

func (m *machine) canonical(b byte) outcome {
	a := m.attr
	if !a.LEnabled(termios.ICANON) {
		return passOn(b)
	}

	switch {
	case b == '\n':
		if a.LEnabled(termios.ECHO) || a.LEnabled(termios.ECHONL) {
			m.emit(Echo, b)
		}
		m.cooked = append(m.cooked, b)
		m.complete()
		return handled

	case a.IsCC(b, termios.VEOF):
		m.complete()
		return handled

	case a.IsCC(b, termios.VEOL), a.IsCC(b, termios.VEOL2):
		if a.LEnabled(termios.ECHO) {
			m.emit(Echo, b)
		}
		m.cooked = append(m.cooked, b)
		m.complete()
		return handled

	case a.IsCC(b, termios.VERASE):
		if n := len(m.cooked); n > 0 {
			erased := m.cooked[n-1]
			m.cooked = m.cooked[:n-1]
			if a.LEnabled(termios.ECHOE) {
				m.emit(EchoErase, erased)
			}
		}
		return handled
	}

	if !a.LEnabled(termios.IEXTEN) {
		return passOn(b)
	}
	switch {
	case a.IsCC(b, termios.VWERASE):
		m.editLine(WordErase, b)
		return handled
	case a.IsCC(b, termios.VKILL):
		m.editLine(Kill, b)
		return handled
	case a.IsCC(b, termios.VREPRINT):
		m.res.Events = append(m.res.Events, Event{Kind: Reprint, Byte: b, Text: append([]byte(nil), m.cooked...)})
		return handled
	}
	return passOn(b)
}

func (m *machine) editLine(kind Kind, b byte) {
	ev := Event{Kind: kind, Byte: b}
	if m.edit != nil {
		keep := m.edit(kind, m.cooked)
		if keep >= 0 && keep < len(m.cooked) {
			ev.Text = append([]byte(nil), m.cooked[keep:]...)
			m.cooked = m.cooked[:keep]
		}
	}
	m.res.Events = append(m.res.Events, ev)
}

func (m *machine) signal(b byte) outcome {
	a := m.attr
	if !a.LEnabled(termios.ISIG) {
		return passOn(b)
	}
	switch {
	case a.IsCC(b, termios.VINTR):
		m.emit(Interrupt, b)
	case a.IsCC(b, termios.VQUIT):
		m.emit(Quit, b)
	case a.IsCC(b, termios.VSUSP):
		m.emit(Suspend, b)
	default:
		return passOn(b)
	}
	return handled
}

func (m *machine) flow(b byte) outcome {
	a := m.attr
	if !a.IEnabled(termios.IXON) {
		return passOn(b)
	}
	switch {
	case a.IsCC(b, termios.VSTART):
		m.emit(Start, b)
	case a.IsCC(b, termios.VSTOP):
		m.emit(Stop, b)
	default:
		return passOn(b)
	}
	return handled
}

func (m *machine) extended(b byte) outcome {
	a := m.attr
	if !a.LEnabled(termios.IEXTEN) {
		return passOn(b)
	}
	switch {
	case a.IsCC(b, termios.VLNEXT):
		m.emit(LiteralNext, b)
	case a.IsCC(b, termios.VDISCARD):
		m.emit(Discard, b)
	default:
		return passOn(b)
	}
	return handled
}
