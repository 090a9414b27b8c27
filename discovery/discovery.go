// Package discovery finds peers for a torrent from sources other than
// trackers.
package discovery

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Source streams candidate peer addresses ("host:port") for an info-hash to
// out until ctx is done. Implementations may send the same address more than
// once.
type Source interface {
	Name() string
	Peers(ctx context.Context, infoHash [20]byte, port uint16, out chan<- []string) error
}

// Static hands out a fixed address list once.
type Static []string

func (Static) Name() string { return "static" }

func (s Static) Peers(ctx context.Context, _ [20]byte, _ uint16, out chan<- []string) error {
	if len(s) == 0 {
		return nil
	}
	select {
	case out <- append([]string(nil), s...):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run fans every source into out and returns when all of them have stopped.
// A failing source does not stop the others; the first error is returned.
func Run(ctx context.Context, sources []Source, infoHash [20]byte, port uint16, out chan<- []string) error {
	var g errgroup.Group
	for _, src := range sources {
		src := src
		g.Go(func() error {
			err := src.Peers(ctx, infoHash, port, out)
			if err == context.Canceled || err == context.DeadlineExceeded {
				return nil
			}
			return err
		})
	}
	return g.Wait()
}
