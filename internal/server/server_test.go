package server

import (
	"bytes"
	"context"
	"errors"
	"net"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/peterje/ttymux/internal/client"
	"github.com/peterje/ttymux/internal/ldisc"
	"github.com/peterje/ttymux/internal/protocol"
	"github.com/peterje/ttymux/internal/registry"
	"github.com/peterje/ttymux/internal/session"
	"github.com/peterje/ttymux/internal/termios"
)

func newTestServer(t *testing.T, opts ...Option) (*Server, *registry.Registry) {
	t.Helper()
	reg := registry.New()
	srv := New(reg, opts...)
	t.Cleanup(func() {
		srv.Close()
		reg.CloseAll()
	})
	return srv, reg
}

// pipeClient connects a client to srv over an in-memory pipe.
func pipeClient(t *testing.T, srv *Server) *client.Client {
	t.Helper()
	a, b := net.Pipe()
	go srv.ServeConn(a)
	c := client.New(b)
	t.Cleanup(func() { c.Close() })
	return c
}

func testCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// readOutput accumulates terminal output until it contains want.
func readOutput(t *testing.T, c *client.Client, id uint64, want string) {
	t.Helper()
	var got bytes.Buffer
	deadline := time.After(2 * time.Second)
	for !strings.Contains(got.String(), want) {
		select {
		case data := <-c.Output(id):
			got.Write(data)
		case <-deadline:
			t.Fatalf("output = %q, want it to contain %q", got.String(), want)
		}
	}
}

func nextLine(t *testing.T, c *client.Client, id uint64) string {
	t.Helper()
	select {
	case line := <-c.Lines(id):
		return string(line)
	case <-time.After(2 * time.Second):
		t.Fatal("no line delivered")
		return ""
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestServer_PingAllocateListRemove(t *testing.T) {
	srv, _ := newTestServer(t)
	c := pipeClient(t, srv)
	ctx := testCtx(t)

	if err := c.Ping(ctx); err != nil {
		t.Fatalf("Ping: %v", err)
	}

	id, err := c.Allocate(ctx, 10)
	if err != nil || id != 10 {
		t.Fatalf("Allocate(10) = %d, %v", id, err)
	}
	next, err := c.Allocate(ctx, 0)
	if err != nil || next != 11 {
		t.Fatalf("Allocate(0) = %d, %v; want 11", next, err)
	}
	if _, err := c.Allocate(ctx, 10); !errors.Is(err, registry.ErrDuplicateID) {
		t.Errorf("duplicate Allocate err = %v, want ErrDuplicateID", err)
	}

	ids, err := c.List(ctx)
	if err != nil || len(ids) != 2 || ids[0] != 10 || ids[1] != 11 {
		t.Fatalf("List = %v, %v", ids, err)
	}

	if err := c.Remove(ctx, 10); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if err := c.Remove(ctx, 10); !errors.Is(err, registry.ErrNotFound) {
		t.Errorf("second Remove err = %v, want ErrNotFound", err)
	}
}

func TestServer_TerminalAndReader(t *testing.T) {
	srv, _ := newTestServer(t)
	reader := pipeClient(t, srv)
	term := pipeClient(t, srv)
	ctx := testCtx(t)

	id, err := reader.Allocate(ctx, 0)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if err := reader.Attach(ctx, id, protocol.RoleReader); err != nil {
		t.Fatalf("Attach reader: %v", err)
	}
	if err := term.Attach(ctx, id, protocol.RoleTerminal); err != nil {
		t.Fatalf("Attach terminal: %v", err)
	}

	if err := term.Write(id, []byte("lx\x7fs\r")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if got := nextLine(t, reader, id); got != "ls\n" {
		t.Errorf("line = %q, want %q", got, "ls\n")
	}
	readOutput(t, term, id, "lx\b \bs\r\n")

	// Reader output reaches the terminal through the inbound queue.
	if err := reader.WriteInbound(id, []byte("file.txt\r\n")); err != nil {
		t.Fatalf("WriteInbound: %v", err)
	}
	readOutput(t, term, id, "file.txt\r\n")

	// EOF arrives as an empty entry.
	term.Write(id, []byte{0x04})
	if got := nextLine(t, reader, id); got != "" {
		t.Errorf("EOF line = %q, want empty", got)
	}
}

func TestServer_ReaderGetsSignals(t *testing.T) {
	srv, _ := newTestServer(t)
	c := pipeClient(t, srv)
	ctx := testCtx(t)

	id, _ := c.Allocate(ctx, 0)
	if err := c.Attach(ctx, id, protocol.RoleReader); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	c.Write(id, []byte{0x03})

	select {
	case ev := <-c.Events(id):
		if ev.Event != protocol.EvtEvent || len(ev.Events) != 1 || ev.Events[0].Kind != ldisc.Interrupt {
			t.Errorf("event = %+v, want interrupt", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no event delivered")
	}

	if _, err := c.SetWindowSize(ctx, id, termios.WindowSize{Rows: 40, Cols: 100}); err != nil {
		t.Fatalf("SetWindowSize: %v", err)
	}
	select {
	case ev := <-c.Events(id):
		if ev.Event != protocol.EvtWinsize || ev.Winsize == nil || ev.Winsize.Cols != 100 {
			t.Errorf("event = %+v, want winsize", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no resize delivered")
	}
}

func TestServer_Attributes(t *testing.T) {
	srv, _ := newTestServer(t)
	c := pipeClient(t, srv)
	ctx := testCtx(t)

	id, _ := c.Allocate(ctx, 0)
	attr, err := c.Attributes(ctx, id)
	if err != nil || attr != termios.Default() {
		t.Fatalf("Attributes = %+v, %v; want defaults", attr, err)
	}

	attr, err = c.Configure(ctx, id, "-icanon", "min=3")
	if err != nil {
		t.Fatalf("Configure: %v", err)
	}
	if attr.LEnabled(termios.ICANON) || attr.CC[termios.VMIN] != 3 {
		t.Errorf("Configure result = %+v", attr)
	}

	raw := termios.Raw(termios.Default())
	if got, err := c.SetAttributes(ctx, id, raw); err != nil || got != raw {
		t.Errorf("SetAttributes = %+v, %v", got, err)
	}

	if _, err := c.Configure(ctx, id, "bogus"); err == nil {
		t.Error("Configure with unknown setting succeeded")
	}
	if _, err := c.Attributes(ctx, 999); !errors.Is(err, registry.ErrNotFound) {
		t.Errorf("Attributes of missing session err = %v", err)
	}
}

func TestServer_ConnectionDropRemovesOwnedSessions(t *testing.T) {
	srv, reg := newTestServer(t)
	owner := pipeClient(t, srv)
	other := pipeClient(t, srv)
	ctx := testCtx(t)

	owned, _ := owner.Allocate(ctx, 1)
	kept, _ := other.Allocate(ctx, 2)
	if err := other.Attach(ctx, owned, protocol.RoleReader); err != nil {
		t.Fatalf("Attach: %v", err)
	}

	owner.Close()
	waitFor(t, func() bool { return reg.Len() == 1 })

	if _, err := reg.Get(session.ID(kept)); err != nil {
		t.Errorf("session of live connection removed: %v", err)
	}
	select {
	case <-other.Closed(owned):
	case <-time.After(2 * time.Second):
		t.Fatal("attached reader not told the session closed")
	}
}

func TestServer_DetachAndReattach(t *testing.T) {
	srv, _ := newTestServer(t)
	c := pipeClient(t, srv)
	ctx := testCtx(t)

	id, _ := c.Allocate(ctx, 0)
	if err := c.Attach(ctx, id, protocol.RoleTerminal); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if err := c.Attach(ctx, id, protocol.RoleTerminal); err == nil {
		t.Error("second Attach in the same role succeeded")
	}
	if err := c.Detach(ctx, id, ""); err != nil {
		t.Fatalf("Detach: %v", err)
	}
	if err := c.Detach(ctx, id, ""); err == nil {
		t.Error("Detach of unattached session succeeded")
	}
	if err := c.Attach(ctx, id, protocol.RoleTerminal); err != nil {
		t.Errorf("re-Attach: %v", err)
	}
	if err := c.Attach(ctx, id, "spectator"); err == nil {
		t.Error("Attach with unknown role succeeded")
	}
}

func TestServer_ServeOverTCP(t *testing.T) {
	srv, _ := newTestServer(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	c, err := client.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()
	if err := c.Ping(testCtx(t)); err != nil {
		t.Fatalf("Ping: %v", err)
	}

	srv.Close()
	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("Serve returned %v after Close", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after Close")
	}
}

func TestServer_Tunnel(t *testing.T) {
	srv, _ := newTestServer(t)
	hs := httptest.NewServer(srv.Handler())
	defer hs.Close()

	url := "ws" + strings.TrimPrefix(hs.URL, "http") + "/tunnel"
	c, err := client.DialTunnel(url, "", false)
	if err != nil {
		t.Fatalf("DialTunnel: %v", err)
	}
	defer c.Close()

	ctx := testCtx(t)
	if err := c.Ping(ctx); err != nil {
		t.Fatalf("Ping over tunnel: %v", err)
	}
	if _, err := c.Allocate(ctx, 5); err != nil {
		t.Fatalf("Allocate over tunnel: %v", err)
	}
}

// stallSession allocates sessions 1 and 2 with a one-entry outbound queue
// and leaves session 1 blocked on its second line.
func stallSession(t *testing.T) (*Server, *registry.Registry, *client.Client) {
	t.Helper()
	reg := registry.New(registry.WithSessionOptions(
		session.WithOutboundLimit(1),
		session.WithOverflow(session.OverflowBlock),
	))
	srv := New(reg)
	t.Cleanup(func() {
		srv.Close()
		reg.CloseAll()
	})
	c := pipeClient(t, srv)
	ctx := testCtx(t)

	for _, id := range []uint64{1, 2} {
		if _, err := c.Allocate(ctx, id); err != nil {
			t.Fatalf("Allocate(%d): %v", id, err)
		}
	}
	if err := c.Write(1, []byte("one\rtwo\r")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := c.Write(2, []byte("x\r")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	return srv, reg, c
}

func TestServer_BlockedSessionDoesNotStallOthers(t *testing.T) {
	_, reg, c := stallSession(t)

	waitFor(t, func() bool {
		sess, err := reg.Get(2)
		return err == nil && sess.Stats().Pending == 1
	})
	if err := c.Ping(testCtx(t)); err != nil {
		t.Fatalf("Ping while session 1 is blocked: %v", err)
	}

	c.Close()
	waitFor(t, func() bool { return reg.Len() == 0 })
}

func TestServer_CloseReleasesBlockedInput(t *testing.T) {
	srv, reg, c := stallSession(t)
	if err := c.Ping(testCtx(t)); err != nil {
		t.Fatalf("Ping: %v", err)
	}

	closed := make(chan struct{})
	go func() {
		srv.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("Close blocked by a session waiting for queue space")
	}
	if reg.Len() != 0 {
		t.Errorf("registry has %d sessions after Close, want 0", reg.Len())
	}
}
