package dynamo

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// fanOut launches op against every peer concurrently via errgroup and
// streams results back on a channel, closing it once every goroutine has
// returned. The caller drives early exit itself by also selecting on its
// own deadline; fanOut never blocks waiting for stragglers.
func fanOut[T any](parent context.Context, peers []string, op func(ctx context.Context, peer string) T) <-chan T {
	ch := make(chan T, len(peers))

	var g errgroup.Group
	for _, p := range peers {
		peer := p
		g.Go(func() error {
			ch <- op(parent, peer)
			return nil
		})
	}

	go func() {
		g.Wait()
		close(ch)
	}()

	return ch
}
