package termios

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

type flagSet int

const (
	inputSet flagSet = iota
	outputSet
	localSet
)

type namedFlag struct {
	set  flagSet
	mask uint32
}

var flagsByName = map[string]namedFlag{
	"ignbrk":  {inputSet, IGNBRK},
	"brkint":  {inputSet, BRKINT},
	"ignpar":  {inputSet, IGNPAR},
	"parmrk":  {inputSet, PARMRK},
	"inpck":   {inputSet, INPCK},
	"istrip":  {inputSet, ISTRIP},
	"inlcr":   {inputSet, INLCR},
	"igncr":   {inputSet, IGNCR},
	"icrnl":   {inputSet, ICRNL},
	"iuclc":   {inputSet, IUCLC},
	"ixon":    {inputSet, IXON},
	"ixany":   {inputSet, IXANY},
	"ixoff":   {inputSet, IXOFF},
	"imaxbel": {inputSet, IMAXBEL},
	"iutf8":   {inputSet, IUTF8},
	"opost":   {outputSet, OPOST},
	"olcuc":   {outputSet, OLCUC},
	"onlcr":   {outputSet, ONLCR},
	"ocrnl":   {outputSet, OCRNL},
	"onocr":   {outputSet, ONOCR},
	"onlret":  {outputSet, ONLRET},
	"isig":    {localSet, ISIG},
	"icanon":  {localSet, ICANON},
	"xcase":   {localSet, XCASE},
	"echo":    {localSet, ECHO},
	"echoe":   {localSet, ECHOE},
	"echok":   {localSet, ECHOK},
	"echonl":  {localSet, ECHONL},
	"noflsh":  {localSet, NOFLSH},
	"tostop":  {localSet, TOSTOP},
	"echoctl": {localSet, ECHOCTL},
	"echoprt": {localSet, ECHOPRT},
	"echoke":  {localSet, ECHOKE},
	"flusho":  {localSet, FLUSHO},
	"pendin":  {localSet, PENDIN},
	"iexten":  {localSet, IEXTEN},
}

var ccByName = map[string]int{
	"intr":    VINTR,
	"quit":    VQUIT,
	"erase":   VERASE,
	"kill":    VKILL,
	"eof":     VEOF,
	"time":    VTIME,
	"min":     VMIN,
	"start":   VSTART,
	"stop":    VSTOP,
	"susp":    VSUSP,
	"eol":     VEOL,
	"reprint": VREPRINT,
	"discard": VDISCARD,
	"werase":  VWERASE,
	"lnext":   VLNEXT,
	"eol2":    VEOL2,
}

func (a *Attributes) field(set flagSet) *uint32 {
	switch set {
	case inputSet:
		return &a.Iflag
	case outputSet:
		return &a.Oflag
	default:
		return &a.Lflag
	}
}

// Apply applies stty(1) style settings to a copy of a and returns it.
// Supported words: "flag", "-flag", "raw", "sane", "role=value" where value
// is a decimal number, a "^X" caret pair, "undef", or a single character.
func Apply(a Attributes, settings []string) (Attributes, error) {
	for _, word := range settings {
		word = strings.ToLower(strings.TrimSpace(word))
		if word == "" {
			continue
		}
		switch word {
		case "raw":
			a = Raw(a)
			continue
		case "sane":
			a = Default()
			continue
		}

		if name, value, ok := strings.Cut(word, "="); ok {
			role, known := ccByName[name]
			if !known {
				return a, fmt.Errorf("unknown control character %q", name)
			}
			b, err := parseCC(value, role)
			if err != nil {
				return a, fmt.Errorf("%s: %w", name, err)
			}
			a.CC[role] = b
			continue
		}

		clear := strings.HasPrefix(word, "-")
		f, known := flagsByName[strings.TrimPrefix(word, "-")]
		if !known {
			return a, fmt.Errorf("unknown flag %q", word)
		}
		p := a.field(f.set)
		if clear {
			*p &^= f.mask
		} else {
			*p |= f.mask
		}
	}
	return a, nil
}

func parseCC(value string, role int) (byte, error) {
	if role == VMIN || role == VTIME {
		n, err := strconv.ParseUint(value, 10, 8)
		if err != nil {
			return 0, fmt.Errorf("invalid count %q", value)
		}
		return byte(n), nil
	}
	switch {
	case value == "undef" || value == "^-":
		return disabled, nil
	case value == "^?":
		return '\x7f', nil
	case len(value) == 2 && value[0] == '^':
		c := strings.ToUpper(value[1:])[0]
		if c < '@' || c > '_' {
			return 0, fmt.Errorf("invalid control character %q", value)
		}
		return ControlCharacter(c), nil
	case len(value) == 1:
		return value[0], nil
	}
	n, err := strconv.ParseUint(value, 0, 8)
	if err != nil {
		return 0, fmt.Errorf("invalid character %q", value)
	}
	return byte(n), nil
}

// FlagNames lists the names of the flags set in a, sorted.
func FlagNames(a Attributes) []string {
	var names []string
	for name, f := range flagsByName {
		if *a.field(f.set)&f.mask == f.mask {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}
