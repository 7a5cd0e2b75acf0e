package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"hash/fnv"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/Klingon-tech/ledgerchat/internal/chain"
	"github.com/Klingon-tech/ledgerchat/internal/rpc"
	"github.com/Klingon-tech/ledgerchat/internal/rpcclient"
	"github.com/fatih/color"
	"golang.org/x/term"
)

var senderColors = []color.Attribute{
	color.FgCyan,
	color.FgGreen,
	color.FgMagenta,
	color.FgYellow,
	color.FgBlue,
	color.FgHiRed,
	color.FgHiCyan,
	color.FgHiGreen,
}

// palette renders messages with a stable color per sender.
type palette struct {
	self string
}

func newPalette(self string) *palette {
	return &palette{self: self}
}

// colorIndex maps a sender to a palette slot, the same in every session.
func colorIndex(sender string) int {
	h := fnv.New32a()
	h.Write([]byte(sender))
	return int(h.Sum32() % uint32(len(senderColors)))
}

func (p *palette) senderColor(sender string) *color.Color {
	c := color.New(senderColors[colorIndex(sender)])
	if sender == p.self {
		c.Add(color.Bold)
	}
	return c
}

func (p *palette) format(b *rpc.BlockResult) string {
	ts := color.New(color.Faint).Sprintf("[%s]", b.DisplayTime)
	return fmt.Sprintf("%s %s %s", ts, p.senderColor(b.Sender).Sprint(b.Sender+":"), b.Message)
}

// chatSession tracks what the terminal has shown so far. Output from the
// event stream and the input loop is serialized through mu.
type chatSession struct {
	mu     sync.Mutex
	out    io.Writer
	pal    *palette
	seen   map[string]bool
	oldest string
}

func newChatSession(out io.Writer, self string) *chatSession {
	return &chatSession{
		out:  out,
		pal:  newPalette(self),
		seen: make(map[string]bool),
	}
}

// show prints blocks not displayed before and returns how many were new.
func (s *chatSession) show(blocks []*rpc.BlockResult) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, b := range blocks {
		if b == nil || s.seen[b.Hash] {
			continue
		}
		s.seen[b.Hash] = true
		if s.oldest == "" || olderThan(b.Timestamp, s.oldest) {
			s.oldest = b.Timestamp
		}
		fmt.Fprintln(s.out, s.pal.format(b))
		n++
	}
	return n
}

func (s *chatSession) notice(format string, args ...interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintln(s.out, color.New(color.Faint).Sprintf("-- "+format, args...))
}

// oldestShown returns the timestamp of the oldest block displayed.
func (s *chatSession) oldestShown() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.oldest == "" {
		return time.Time{}, false
	}
	ts, err := time.Parse(time.RFC3339Nano, s.oldest)
	return ts, err == nil
}

func (s *chatSession) handleEvent(ev *rpc.EventResult) {
	switch ev.Type {
	case chain.EventBlockCommitted.String():
		if ev.Block != nil {
			s.show([]*rpc.BlockResult{ev.Block})
		}
	case chain.EventChainRepaired.String():
		s.notice("chain repaired at block %d: %d dropped, %d added, length %d",
			ev.ForkIndex, len(ev.Dropped), len(ev.Added), ev.Length)
		s.show(ev.Added)
	}
}

// command runs a slash command. It reports whether the session should end.
func (s *chatSession) command(client *rpcclient.Client, line string) bool {
	switch strings.Fields(line)[0] {
	case "/quit", "/exit":
		return true
	case "/older":
		before, ok := s.oldestShown()
		if !ok {
			before = time.Now()
		}
		blocks, err := client.Before(before, rpc.DefaultBeforeLimit)
		if err != nil {
			s.notice("error: %v", err)
			return false
		}
		if len(blocks) == 0 {
			s.notice("no older messages")
			return false
		}
		s.notice("older messages before %s", before.Local().Format(rpc.DisplayTimeFormat))
		s.show(blocks)
	case "/peers":
		peers, err := client.Peers()
		if err != nil {
			s.notice("error: %v", err)
			return false
		}
		s.notice("%d known, %d connected", peers.Count, peers.Connected)
		for _, p := range peers.Peers {
			if p.Connected {
				s.notice("  %s %s", p.Address, p.Name)
			}
		}
	case "/help":
		s.notice("/older  load older messages")
		s.notice("/peers  list connected peers")
		s.notice("/quit   leave")
	default:
		s.notice("unknown command %s (try /help)", line)
	}
	return false
}

func olderThan(a, b string) bool {
	ta, errA := time.Parse(time.RFC3339Nano, a)
	tb, errB := time.Parse(time.RFC3339Nano, b)
	if errA != nil || errB != nil {
		return false
	}
	return ta.Before(tb)
}

// lineReader abstracts the raw terminal and plain stdin.
type lineReader interface {
	ReadLine() (string, error)
}

type scannerReader struct {
	sc *bufio.Scanner
}

func (r scannerReader) ReadLine() (string, error) {
	if !r.sc.Scan() {
		if err := r.sc.Err(); err != nil {
			return "", err
		}
		return "", io.EOF
	}
	return r.sc.Text(), nil
}

func cmdChat(client *rpcclient.Client, args []string) {
	fs := flag.NewFlagSet("chat", flag.ExitOnError)
	limit := fs.Int("limit", rpc.DefaultHistoryLimit, "Messages of history to show")
	fs.Parse(args)

	info, err := client.ChainInfo()
	if err != nil {
		fatal("chain_getInfo: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Subscribe before loading history so nothing committed in between is
	// lost; the seen set drops the overlap.
	stream, err := client.Events(ctx)
	if err != nil {
		fatal("%v", err)
	}
	defer stream.Close()

	var (
		out    io.Writer = os.Stdout
		reader lineReader
	)
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		oldState, err := term.MakeRaw(fd)
		if err != nil {
			fatal("terminal: %v", err)
		}
		defer term.Restore(fd, oldState)

		t := term.NewTerminal(struct {
			io.Reader
			io.Writer
		}{os.Stdin, os.Stdout}, "> ")
		if w, h, err := term.GetSize(fd); err == nil {
			t.SetSize(w, h)
		}
		out, reader = t, t
	} else {
		reader = scannerReader{sc: bufio.NewScanner(os.Stdin)}
	}

	s := newChatSession(out, info.Sender)
	s.notice("chatting as %s (%d messages, /help for commands)", info.Sender, info.Length)

	history, err := client.History(0, *limit)
	if err != nil {
		s.notice("error loading history: %v", err)
	}
	s.show(history)

	go func() {
		for {
			ev, err := stream.Next()
			if err != nil {
				if ctx.Err() == nil {
					s.notice("event stream closed: %v", err)
				}
				return
			}
			s.handleEvent(ev)
		}
	}()

	for {
		line, err := reader.ReadLine()
		if err != nil {
			return
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "/") {
			if s.command(client, line) {
				return
			}
			continue
		}
		b, err := client.Send(line)
		if err != nil {
			s.notice("send failed: %v", err)
			continue
		}
		s.show([]*rpc.BlockResult{b})
	}
}
