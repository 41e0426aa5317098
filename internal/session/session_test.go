package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/peterje/ttymux/internal/ldisc"
	"github.com/peterje/ttymux/internal/termios"
)

func mustConsume(t *testing.T, s *Session, input string) []ldisc.Event {
	t.Helper()
	events, err := s.Consume(context.Background(), []byte(input))
	if err != nil {
		t.Fatalf("Consume(%q): %v", input, err)
	}
	return events
}

func drainWithin(t *testing.T, s *Session, d time.Duration) ([]byte, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	return s.Drain(ctx)
}

func TestSession_Defaults(t *testing.T) {
	s := New(7)
	if s.ID() != 7 {
		t.Errorf("ID = %d, want 7", s.ID())
	}
	if s.Attributes() != termios.Default() {
		t.Error("new session does not have default attributes")
	}
	if s.WindowSize() != termios.DefaultWindowSize() {
		t.Error("new session does not have default window size")
	}
}

func TestSession_SetGetAttributes(t *testing.T) {
	s := New(1)
	a := termios.Raw(termios.Default())
	a.CC[termios.VMIN] = 9
	s.SetAttributes(a)
	if got := s.Attributes(); got != a {
		t.Errorf("Attributes = %+v, want %+v", got, a)
	}

	ws := termios.WindowSize{Rows: 50, Cols: 200, Xpixel: 1, Ypixel: 2}
	s.SetWindowSize(ws)
	if got := s.WindowSize(); got != ws {
		t.Errorf("WindowSize = %+v, want %+v", got, ws)
	}
}

func TestSession_ConsumeAndDrainFIFO(t *testing.T) {
	s := New(1)
	mustConsume(t, s, "one\rtwo\r")
	mustConsume(t, s, "thr")
	mustConsume(t, s, "ee\r")

	for _, want := range []string{"one\n", "two\n", "three\n"} {
		got, err := drainWithin(t, s, time.Second)
		if err != nil {
			t.Fatalf("Drain: %v", err)
		}
		if string(got) != want {
			t.Errorf("Drain = %q, want %q", got, want)
		}
	}
	if _, ok := s.TryDrain(); ok {
		t.Error("queue should be empty")
	}
}

func TestSession_EraseLeavesQueueUnchanged(t *testing.T) {
	s := New(1)
	mustConsume(t, s, "hel")
	mustConsume(t, s, "\x7f")
	if got := string(s.Cooked()); got != "he" {
		t.Errorf("Cooked = %q, want %q", got, "he")
	}
	if st := s.Stats(); st.Pending != 0 {
		t.Errorf("Pending = %d, want 0", st.Pending)
	}
}

func TestSession_DrainBlocksUntilPush(t *testing.T) {
	s := New(1)
	got := make(chan []byte, 1)
	go func() {
		entry, err := s.Drain(context.Background())
		if err != nil {
			t.Errorf("Drain: %v", err)
		}
		got <- entry
	}()

	select {
	case <-got:
		t.Fatal("Drain returned before anything was pushed")
	case <-time.After(50 * time.Millisecond):
	}

	mustConsume(t, s, "hi\r")
	select {
	case entry := <-got:
		if string(entry) != "hi\n" {
			t.Errorf("Drain = %q, want %q", entry, "hi\n")
		}
	case <-time.After(time.Second):
		t.Fatal("Drain did not wake after push")
	}
}

func TestSession_CloseWakesDrain(t *testing.T) {
	s := New(1)
	errCh := make(chan error, 1)
	go func() {
		_, err := s.Drain(context.Background())
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	s.Close()

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrSessionClosed) {
			t.Errorf("Drain err = %v, want ErrSessionClosed", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Close did not wake Drain")
	}
}

func TestSession_DrainAfterCloseHandsOutRemaining(t *testing.T) {
	s := New(1)
	mustConsume(t, s, "last\r")
	s.Close()

	entry, err := drainWithin(t, s, time.Second)
	if err != nil || string(entry) != "last\n" {
		t.Fatalf("Drain = %q, %v; want queued line", entry, err)
	}
	if _, err := drainWithin(t, s, time.Second); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("second Drain err = %v, want ErrSessionClosed", err)
	}
	if _, err := s.Consume(context.Background(), []byte("x")); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("Consume after Close err = %v, want ErrSessionClosed", err)
	}
}

func TestSession_DrainHonoursContext(t *testing.T) {
	s := New(1)
	_, err := drainWithin(t, s, 20*time.Millisecond)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Drain err = %v, want DeadlineExceeded", err)
	}
}

func TestSession_OverflowDrop(t *testing.T) {
	s := New(1, WithOutboundLimit(2), WithOverflow(OverflowDrop))
	_, err := s.Consume(context.Background(), []byte("a\rb\rc\r"))
	if !errors.Is(err, ErrOutboundFull) {
		t.Fatalf("Consume err = %v, want ErrOutboundFull", err)
	}
	st := s.Stats()
	if st.Pending != 2 || st.Dropped != 1 {
		t.Errorf("Stats = %+v, want 2 pending and 1 dropped", st)
	}
	entry, _ := s.TryDrain()
	if string(entry) != "a\n" {
		t.Errorf("first entry = %q, want %q", entry, "a\n")
	}
}

func TestSession_OverflowBlock(t *testing.T) {
	s := New(1, WithOutboundLimit(1))
	mustConsume(t, s, "a\r")

	done := make(chan error, 1)
	go func() {
		_, err := s.Consume(context.Background(), []byte("b\r"))
		done <- err
	}()

	select {
	case <-done:
		t.Fatal("Consume did not block on a full queue")
	case <-time.After(50 * time.Millisecond):
	}

	if entry, _ := drainWithin(t, s, time.Second); string(entry) != "a\n" {
		t.Fatalf("Drain = %q, want %q", entry, "a\n")
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Consume: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Consume did not resume after drain")
	}
	if entry, _ := drainWithin(t, s, time.Second); string(entry) != "b\n" {
		t.Errorf("Drain = %q, want %q", entry, "b\n")
	}
}

func TestSession_OverflowBlockReleasedByClose(t *testing.T) {
	s := New(1, WithOutboundLimit(1))
	mustConsume(t, s, "a\r")

	done := make(chan error, 1)
	go func() {
		_, err := s.Consume(context.Background(), []byte("b\r"))
		done <- err
	}()
	time.Sleep(20 * time.Millisecond)
	s.Close()

	select {
	case err := <-done:
		if !errors.Is(err, ErrSessionClosed) {
			t.Errorf("Consume err = %v, want ErrSessionClosed", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Close did not release blocked Consume")
	}
}

func TestSession_WordEraseAndKillEditInOrder(t *testing.T) {
	s := New(1)
	mustConsume(t, s, "echo hello  \x17")
	if got := string(s.Cooked()); got != "echo " {
		t.Errorf("Cooked after word erase = %q, want %q", got, "echo ")
	}

	mustConsume(t, s, "\x15pwd\rfoo bar\x17baz\rabc\x15def\r")
	for _, want := range []string{"pwd\n", "foo baz\n", "def\n"} {
		entry, ok := s.TryDrain()
		if !ok || string(entry) != want {
			t.Fatalf("entry = %q, %v; want %q", entry, ok, want)
		}
	}
	if len(s.Cooked()) != 0 {
		t.Errorf("Cooked = %q, want empty", s.Cooked())
	}
}

func TestSession_Inbound(t *testing.T) {
	s := New(1)
	s.WriteInbound([]byte("ab"))
	s.WriteInbound([]byte("c"))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	got, err := s.ReadInbound(ctx)
	if err != nil || string(got) != "abc" {
		t.Fatalf("ReadInbound = %q, %v; want %q", got, err, "abc")
	}
}

func TestSession_InboundFlowControl(t *testing.T) {
	s := New(1)
	s.StopInbound()
	s.WriteInbound([]byte("held"))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	_, err := s.ReadInbound(ctx)
	cancel()
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("ReadInbound while stopped err = %v, want DeadlineExceeded", err)
	}

	s.StartInbound()
	ctx, cancel = context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	got, err := s.ReadInbound(ctx)
	if err != nil || string(got) != "held" {
		t.Errorf("ReadInbound = %q, %v; want %q", got, err, "held")
	}
}

func TestSession_SubscribeReceivesNotices(t *testing.T) {
	s := New(1)
	ch, unsub := s.Subscribe()
	defer unsub()

	s.Publish([]ldisc.Event{{Kind: ldisc.Interrupt, Byte: 3}})
	s.SetWindowSize(termios.WindowSize{Rows: 10, Cols: 20})

	n := <-ch
	if len(n.Events) != 1 || n.Events[0].Kind != ldisc.Interrupt {
		t.Errorf("first notice = %+v, want interrupt", n)
	}
	n = <-ch
	if n.Resize == nil || n.Resize.Rows != 10 {
		t.Errorf("second notice = %+v, want resize", n)
	}

	s.Close()
	if _, ok := <-ch; ok {
		t.Error("subscriber channel not closed by Close")
	}
}

func TestSession_ConcurrentSessionsIndependent(t *testing.T) {
	const sessions = 8
	const linesEach = 200

	var wg sync.WaitGroup
	for i := 0; i < sessions; i++ {
		s := New(ID(i))
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			for n := 0; n < linesEach; n++ {
				line := fmt.Sprintf("s%d-%d\r", i, n)
				// Feed a byte at a time to interleave with the drainer.
				for j := 0; j < len(line); j++ {
					if _, err := s.Consume(context.Background(), []byte{line[j]}); err != nil {
						t.Errorf("Consume: %v", err)
						return
					}
				}
			}
		}(i)
		go func(i int) {
			defer wg.Done()
			for n := 0; n < linesEach; n++ {
				entry, err := drainWithin(t, s, 5*time.Second)
				if err != nil {
					t.Errorf("session %d: Drain: %v", i, err)
					return
				}
				if want := fmt.Sprintf("s%d-%d\n", i, n); string(entry) != want {
					t.Errorf("session %d: Drain = %q, want %q", i, entry, want)
					return
				}
			}
		}(i)
	}
	wg.Wait()
}

func TestSession_UnreadKeepsOrderAndIgnoresLimit(t *testing.T) {
	s := New(1, WithOutboundLimit(1), WithOverflow(OverflowDrop))
	mustConsume(t, s, "a\r")
	first, _ := s.TryDrain()
	mustConsume(t, s, "b\r")

	s.Unread(first)
	if got := s.Stats().Pending; got != 2 {
		t.Fatalf("Pending = %d, want 2", got)
	}
	s.Close()
	for _, want := range []string{"a\n", "b\n"} {
		entry, err := drainWithin(t, s, time.Second)
		if err != nil || string(entry) != want {
			t.Fatalf("Drain = %q, %v; want %q", entry, err, want)
		}
	}
}
