package pty

import (
	"os"

	"golang.org/x/sys/unix"
)

// passthrough configures the kernel side of a pty so that it neither echoes
// nor edits input, leaving that to the session. With canonical set the
// kernel still assembles lines, which is what lets end-of-file reach the
// command.
func passthrough(f *os.File, canonical bool) error {
	fd := int(f.Fd())
	t, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		return err
	}

	t.Iflag &^= unix.ICRNL | unix.INLCR | unix.IGNCR | unix.IXON | unix.IXOFF | unix.ISTRIP | unix.BRKINT | unix.PARMRK | unix.INPCK
	t.Lflag &^= unix.ECHO | unix.ECHOE | unix.ECHOK | unix.ECHONL | unix.ISIG | unix.IEXTEN | unix.ICANON
	if canonical {
		t.Lflag |= unix.ICANON
	}
	for _, cc := range []int{unix.VERASE, unix.VKILL, unix.VWERASE, unix.VREPRINT, unix.VEOL, unix.VEOL2, unix.VLNEXT} {
		t.Cc[cc] = 0
	}
	t.Cc[unix.VEOF] = kernelEOF
	t.Cc[unix.VMIN] = 1
	t.Cc[unix.VTIME] = 0

	return unix.IoctlSetTermios(fd, unix.TCSETS, t)
}
