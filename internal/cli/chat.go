package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/LeJamon/causalmesh/internal/coordination"
	"github.com/LeJamon/causalmesh/internal/mesh"
)

const movePrefix = "/move "

// chat relays in to the session and prints deliveries and events to out
// until in is exhausted, /quit is read, or ctx is done.
func chat(ctx context.Context, m *mesh.Mesh, s *mesh.Session, in io.Reader, out io.Writer) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error { return printDeliveries(gCtx, s, out) })
	g.Go(func() error { return printEvents(gCtx, s, out) })
	g.Go(func() error {
		defer cancel()
		return readCommands(gCtx, m, s, lines, out)
	})
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func readCommands(ctx context.Context, m *mesh.Mesh, s *mesh.Session, lines <-chan string, out io.Writer) error {
	for {
		var line string
		select {
		case <-ctx.Done():
			return nil
		case l, ok := <-lines:
			if !ok {
				return nil
			}
			line = strings.TrimSpace(l)
		}

		switch {
		case line == "":
		case line == "/quit":
			return nil
		case line == "/status":
			st, err := m.Status(ctx)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			if err := enc.Encode(st); err != nil {
				return err
			}
		case strings.HasPrefix(line, movePrefix):
			if err := s.Submit(ctx, []byte(strings.TrimPrefix(line, movePrefix))); err != nil {
				return err
			}
		default:
			if err := s.Send(ctx, []byte(line)); err != nil {
				return err
			}
		}
	}
}

func printDeliveries(ctx context.Context, s *mesh.Session, out io.Writer) error {
	for {
		d, err := s.Receive(ctx)
		if err != nil {
			return nil
		}
		fmt.Fprintln(out, formatDelivery(d))
	}
}

func formatDelivery(d coordination.Delivery) string {
	if d.Exclusive {
		return fmt.Sprintf("[%s] * %s", d.Origin, d.Body)
	}
	return fmt.Sprintf("[%s] %s", d.Origin, d.Body)
}

func printEvents(ctx context.Context, s *mesh.Session, out io.Writer) error {
	events := s.Events()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			fmt.Fprintln(out, formatEvent(ev))
		}
	}
}

func formatEvent(ev coordination.Event) string {
	switch ev.Type {
	case coordination.EventPeerJoined:
		return fmt.Sprintf("-- %s joined", ev.Peer)
	case coordination.EventPeerDeparted:
		return fmt.Sprintf("-- %s departed (%s)", ev.Peer, ev.Reason)
	case coordination.EventHostChanged:
		return fmt.Sprintf("-- host is now %s", ev.Host)
	case coordination.EventMutexAcquired:
		return "-- exclusive access acquired"
	default:
		return "-- " + ev.Type.String()
	}
}
