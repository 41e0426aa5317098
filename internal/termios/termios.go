// Package termios holds the terminal mode configuration that parameterizes
// the line discipline: flag sets, the control character table and the
// window size. Values follow the Linux asm-generic layout.
package termios

// NCCS is the number of entries in the control character table.
const NCCS = 17

// disabled marks a control character role with no byte assigned.
const disabled = 0

// Input flags.
const (
	IGNBRK  = 0000001
	BRKINT  = 0000002
	IGNPAR  = 0000004
	PARMRK  = 0000010
	INPCK   = 0000020
	ISTRIP  = 0000040
	INLCR   = 0000100
	IGNCR   = 0000200
	ICRNL   = 0000400
	IUCLC   = 0001000
	IXON    = 0002000
	IXANY   = 0004000
	IXOFF   = 0010000
	IMAXBEL = 0020000
	IUTF8   = 0040000
)

// Output flags. Stored, never interpreted by the discipline.
const (
	OPOST  = 0000001
	OLCUC  = 0000002
	ONLCR  = 0000004
	OCRNL  = 0000010
	ONOCR  = 0000020
	ONLRET = 0000040
)

// Control flags.
const (
	B38400 = 0000017
	CS8    = 0000060
	CREAD  = 0000200
	HUPCL  = 0002000
)

// Local flags.
const (
	ISIG    = 0000001
	ICANON  = 0000002
	XCASE   = 0000004
	ECHO    = 0000010
	ECHOE   = 0000020
	ECHOK   = 0000040
	ECHONL  = 0000100
	NOFLSH  = 0000200
	TOSTOP  = 0000400
	ECHOCTL = 0001000
	ECHOPRT = 0002000
	ECHOKE  = 0004000
	FLUSHO  = 0010000
	PENDIN  = 0040000
	IEXTEN  = 0100000
)

// Control character roles, used as indices into Attributes.CC.
const (
	VINTR    = 0
	VQUIT    = 1
	VERASE   = 2
	VKILL    = 3
	VEOF     = 4
	VTIME    = 5
	VMIN     = 6
	VSWTC    = 7
	VSTART   = 8
	VSTOP    = 9
	VSUSP    = 10
	VEOL     = 11
	VREPRINT = 12
	VDISCARD = 13
	VWERASE  = 14
	VLNEXT   = 15
	VEOL2    = 16
)

// Attributes is the terminal mode configuration of one session.
type Attributes struct {
	Iflag uint32     `json:"iflag"`
	Oflag uint32     `json:"oflag"`
	Cflag uint32     `json:"cflag"`
	Lflag uint32     `json:"lflag"`
	CC    [NCCS]byte `json:"cc"`
}

// IEnabled reports whether flag is set in the input flags.
func (a Attributes) IEnabled(flag uint32) bool {
	return a.Iflag&flag == flag
}

// OEnabled reports whether flag is set in the output flags.
func (a Attributes) OEnabled(flag uint32) bool {
	return a.Oflag&flag == flag
}

// LEnabled reports whether flag is set in the local flags.
func (a Attributes) LEnabled(flag uint32) bool {
	return a.Lflag&flag == flag
}

// IsCC reports whether b is the character assigned to role. A role set to
// zero has no character and never matches, not even a NUL byte.
func (a Attributes) IsCC(b byte, role int) bool {
	c := a.CC[role]
	return c != disabled && b == c
}

// VMin returns the non-canonical read threshold.
func (a Attributes) VMin() int {
	return int(a.CC[VMIN])
}

// ControlCharacter returns the byte produced by Ctrl plus c,
// e.g. ControlCharacter('C') for ^C.
func ControlCharacter(c byte) byte {
	return c - 'A' + 1
}

// DefaultControlCharacters is the control character table of a fresh session.
var DefaultControlCharacters = [NCCS]byte{
	ControlCharacter('C'),  // VINTR
	ControlCharacter('\\'), // VQUIT
	'\x7f',                 // VERASE
	ControlCharacter('U'),  // VKILL
	ControlCharacter('D'),  // VEOF
	0,                      // VTIME
	1,                      // VMIN
	0,                      // VSWTC
	ControlCharacter('Q'),  // VSTART
	ControlCharacter('S'),  // VSTOP
	ControlCharacter('Z'),  // VSUSP
	0,                      // VEOL
	ControlCharacter('R'),  // VREPRINT
	ControlCharacter('O'),  // VDISCARD
	ControlCharacter('W'),  // VWERASE
	ControlCharacter('V'),  // VLNEXT
	0,                      // VEOL2
}

// Default returns the attributes a session starts with: canonical mode with
// echo, signals and CR to NL translation.
func Default() Attributes {
	return Attributes{
		Iflag: ICRNL | IXON,
		Oflag: OPOST | ONLCR,
		Cflag: B38400 | CS8 | CREAD,
		Lflag: ISIG | ICANON | ECHO | ECHOE | ECHOK | ECHOCTL | ECHOKE | IEXTEN,
		CC:    DefaultControlCharacters,
	}
}

// Raw returns a copy of a with the changes cfmakeraw(3) applies.
func Raw(a Attributes) Attributes {
	a.Iflag &^= IGNBRK | BRKINT | PARMRK | ISTRIP | INLCR | IGNCR | ICRNL | IXON
	a.Oflag &^= OPOST
	a.Lflag &^= ECHO | ECHONL | ICANON | ISIG | IEXTEN
	a.CC[VMIN] = 1
	a.CC[VTIME] = 0
	return a
}

// WindowSize is the geometry of a terminal.
type WindowSize struct {
	Rows   uint16 `json:"rows"`
	Cols   uint16 `json:"cols"`
	Xpixel uint16 `json:"xpixel"`
	Ypixel uint16 `json:"ypixel"`
}

// DefaultWindowSize is the size a session starts with.
func DefaultWindowSize() WindowSize {
	return WindowSize{Rows: 24, Cols: 80}
}
