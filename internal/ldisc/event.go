package ldisc

import "fmt"

// Kind identifies a control event emitted by the discipline.
type Kind uint8

const (
	// Echo asks for Byte to be echoed to the far side.
	Echo Kind = iota + 1
	// EchoErase asks for the erased Byte to be rubbed out on the far side.
	EchoErase
	WordErase
	Kill
	Reprint
	Interrupt
	Quit
	Suspend
	Start
	Stop
	LiteralNext
	Discard
)

var kindNames = map[Kind]string{
	Echo:        "echo",
	EchoErase:   "echo_erase",
	WordErase:   "word_erase",
	Kill:        "kill",
	Reprint:     "reprint",
	Interrupt:   "interrupt",
	Quit:        "quit",
	Suspend:     "suspend",
	Start:       "start",
	Stop:        "stop",
	LiteralNext: "literal_next",
	Discard:     "discard",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// ParseKind is the inverse of Kind.String.
func ParseKind(s string) (Kind, error) {
	for k, name := range kindNames {
		if name == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown event kind %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *Kind) UnmarshalText(text []byte) error {
	parsed, err := ParseKind(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// Event is a request emitted by the discipline for a collaborator to act on.
// Byte is the input byte that produced it. Text holds the bytes a WordErase
// or Kill removed, or the open line for Reprint.
type Event struct {
	Kind Kind   `json:"kind"`
	Byte byte   `json:"byte"`
	Text []byte `json:"text,omitempty"`
}

// IsEcho reports whether the event asks for output on the far side.
func (e Event) IsEcho() bool {
	return e.Kind == Echo || e.Kind == EchoErase
}

// IsSignal reports whether the event asks for a signal to be delivered.
func (e Event) IsSignal() bool {
	return e.Kind == Interrupt || e.Kind == Quit || e.Kind == Suspend
}

// IsFlow reports whether the event asks for output to be paused or resumed.
func (e Event) IsFlow() bool {
	return e.Kind == Start || e.Kind == Stop
}
