package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"
	"golang.org/x/term"

	"github.com/peterje/ttymux/internal/client"
	"github.com/peterje/ttymux/internal/db"
	"github.com/peterje/ttymux/internal/protocol"
	"github.com/peterje/ttymux/internal/termios"
)

// detachKey ends an attach without touching the session.
const detachKey = 0x1d // ^]

const attachLong = `Attach connects the local terminal, in raw mode, to a session's line
discipline. Without an id a new session is allocated; it is removed when
attach exits.`

const sttyExample = `  ttymux stty 3 -echo intr=^X
  ttymux stty 3 raw min=1`

func requestCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 10*time.Second)
}

func parseID(s string) (uint64, error) {
	id, err := strconv.ParseUint(s, 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("invalid session id %q", s)
	}
	return id, nil
}

func attachCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "attach [session-id]",
		Short: "Use this terminal as the keyboard and screen of a session (^] detaches)",
		Long:  attachLong,
		Args:  cobra.MaximumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			c, err := dial()
			if err != nil {
				return err
			}
			defer c.Close()

			ctx, cancel := requestCtx()
			defer cancel()

			var id uint64
			if len(args) == 1 {
				if id, err = parseID(args[0]); err != nil {
					return err
				}
			} else if id, err = c.Allocate(ctx, 0); err != nil {
				return err
			}
			if err := c.Attach(ctx, id, protocol.RoleTerminal); err != nil {
				return err
			}
			fmt.Fprintf(os.Stderr, "attached to session %d\r\n", id)
			return attach(c, id)
		},
	}
}

func attach(c *client.Client, id uint64) error {
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		oldState, err := term.MakeRaw(fd)
		if err != nil {
			return fmt.Errorf("raw mode: %w", err)
		}
		defer term.Restore(fd, oldState)

		syncSize := func() {
			cols, rows, err := term.GetSize(fd)
			if err != nil {
				return
			}
			ctx, cancel := requestCtx()
			defer cancel()
			c.SetWindowSize(ctx, id, termios.WindowSize{Rows: uint16(rows), Cols: uint16(cols)})
		}
		syncSize()

		winch := make(chan os.Signal, 1)
		signal.Notify(winch, unix.SIGWINCH)
		defer signal.Stop(winch)
		go func() {
			for range winch {
				syncSize()
			}
		}()
	}

	detached := make(chan struct{})
	go func() {
		defer close(detached)
		buf := make([]byte, 4096)
		for {
			n, err := os.Stdin.Read(buf)
			if n > 0 {
				data := buf[:n]
				if i := bytes.IndexByte(data, detachKey); i >= 0 {
					if i > 0 {
						c.Write(id, data[:i])
					}
					return
				}
				if werr := c.Write(id, data); werr != nil {
					return
				}
			}
			if err != nil {
				return
			}
		}
	}()

	for {
		select {
		case data := <-c.Output(id):
			os.Stdout.Write(data)
		case <-c.Closed(id):
			fmt.Fprintf(os.Stderr, "\r\nsession %d closed\r\n", id)
			return nil
		case <-c.Done():
			return fmt.Errorf("connection lost")
		case <-detached:
			fmt.Fprintf(os.Stderr, "\r\ndetached from session %d\r\n", id)
			return nil
		}
	}
}

func listCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List live sessions",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			c, err := dial()
			if err != nil {
				return err
			}
			defer c.Close()

			ctx, cancel := requestCtx()
			defer cancel()
			ids, err := c.List(ctx)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSIZE\tMODE")
			for _, id := range ids {
				ws, err := c.WindowSize(ctx, id)
				if err != nil {
					continue // removed since List
				}
				attr, err := c.Attributes(ctx, id)
				if err != nil {
					continue
				}
				mode := "raw"
				if attr.LEnabled(termios.ICANON) {
					mode = "canonical"
				}
				fmt.Fprintf(w, "%d\t%dx%d\t%s\n", id, ws.Cols, ws.Rows, mode)
			}
			return w.Flush()
		},
	}
}

func sttyCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "stty session-id [setting...]",
		Short:   "Show or change a session's terminal attributes",
		Example: sttyExample,
		Args:    cobra.MinimumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			c, err := dial()
			if err != nil {
				return err
			}
			defer c.Close()

			ctx, cancel := requestCtx()
			defer cancel()

			var attr termios.Attributes
			if len(args) > 1 {
				attr, err = c.Configure(ctx, id, args[1:]...)
			} else {
				attr, err = c.Attributes(ctx, id)
			}
			if err != nil {
				return err
			}
			fmt.Println(strings.Join(termios.FlagNames(attr), " "))
			return nil
		},
	}
}

func historyCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show the session journal",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			database, err := db.Open(cfg.DataDir)
			if err != nil {
				return err
			}
			defer database.Close()

			records, err := db.NewJournal(database).History(limit)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tCREATED\tREMOVED\tCOMMAND")
			for _, r := range records {
				removed := "-"
				if r.RemovedAt != nil {
					removed = r.RemovedAt.Local().Format(time.DateTime)
				}
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", r.SessionID, r.CreatedAt.Local().Format(time.DateTime), removed, r.Command)
			}
			return w.Flush()
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of rows")
	return cmd
}
