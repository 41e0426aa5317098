// Package control carries out the control events the line discipline
// reports: echo rendering, including the rub-out of word erase and kill,
// and flow control. Signals and the remaining events are published to the
// session's subscribers for the reader side to act on.
package control

import (
	"github.com/peterje/ttymux/internal/ldisc"
	"github.com/peterje/ttymux/internal/session"
	"github.com/peterje/ttymux/internal/termios"
)

var eraseSeq = []byte("\b \b")

// Apply executes events against sess. Echo output goes to the inbound queue.
func Apply(sess *session.Session, events []ldisc.Event) error {
	if len(events) == 0 {
		return nil
	}
	attr := sess.Attributes()

	var (
		echo      []byte
		published []ldisc.Event
	)
	for _, ev := range events {
		switch ev.Kind {
		case ldisc.Echo:
			echo = appendEcho(echo, attr, ev.Byte)

		case ldisc.EchoErase:
			echo = appendErase(echo, attr, []byte{ev.Byte})

		case ldisc.WordErase:
			if attr.LEnabled(termios.ECHOE) {
				echo = appendErase(echo, attr, ev.Text)
			}

		case ldisc.Kill:
			switch {
			case attr.LEnabled(termios.ECHOKE):
				echo = appendErase(echo, attr, ev.Text)
			case attr.LEnabled(termios.ECHOK):
				echo = appendEcho(echo, attr, ev.Byte)
				echo = append(echo, '\r', '\n')
			}

		case ldisc.Reprint:
			if attr.LEnabled(termios.ECHO) {
				echo = appendEcho(echo, attr, ev.Byte)
				echo = append(echo, '\r', '\n')
				for _, b := range ev.Text {
					echo = appendEcho(echo, attr, b)
				}
			}

		case ldisc.Stop:
			sess.StopInbound()

		case ldisc.Start:
			sess.StartInbound()

		default:
			published = append(published, ev)
		}
	}

	if len(echo) > 0 {
		if _, err := sess.WriteInbound(echo); err != nil {
			return err
		}
	}
	sess.Publish(published)
	return nil
}

// Render returns the bytes a terminal displays when b is echoed under attr.
func Render(attr termios.Attributes, b byte) []byte {
	return appendEcho(nil, attr, b)
}

func appendEcho(dst []byte, attr termios.Attributes, b byte) []byte {
	switch {
	case b == '\n':
		if attr.OEnabled(termios.OPOST) && attr.OEnabled(termios.ONLCR) {
			return append(dst, '\r', '\n')
		}
		return append(dst, '\n')
	case attr.LEnabled(termios.ECHOCTL) && isCaret(b):
		return append(dst, '^', b^0x40)
	}
	return append(dst, b)
}

// appendErase backs over the displayed width of each removed byte.
func appendErase(dst []byte, attr termios.Attributes, removed []byte) []byte {
	for i := len(removed) - 1; i >= 0; i-- {
		n := 1
		if attr.LEnabled(termios.ECHOCTL) && isCaret(removed[i]) {
			n = 2
		}
		for ; n > 0; n-- {
			dst = append(dst, eraseSeq...)
		}
	}
	return dst
}

// isCaret reports whether b is shown in ^X notation under ECHOCTL.
func isCaret(b byte) bool {
	return (b < 0x20 && b != '\t' && b != '\n') || b == 0x7f
}
