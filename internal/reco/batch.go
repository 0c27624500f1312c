package reco

import (
	"context"
	"sync"

	"showerreco/internal/hillas"
)

// Batch reconstructs events on a bounded pool of workers. Results keep the
// order of events. Cancelling ctx stops handing out new events and Batch
// returns ctx.Err() once the in-flight events finish.
func Batch(ctx context.Context, r *Reconstructor, events []hillas.ArrayEvent, workers int) ([]Result, error) {
	if workers < 1 {
		workers = 1
	}
	results := make([]Result, len(events))
	idx := make(chan int, workers*2)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range idx {
				results[i] = r.Reconstruct(events[i])
			}
		}()
	}

	var err error
feed:
	for i := range events {
		if err = ctx.Err(); err != nil {
			break
		}
		select {
		case <-ctx.Done():
			err = ctx.Err()
			break feed
		case idx <- i:
		}
	}
	close(idx)
	wg.Wait()
	if err != nil {
		return nil, err
	}
	return results, nil
}

// Stats summarizes a set of results.
type Stats struct {
	Events        int
	Reconstructed int
	Failed        map[Status]int
	ExcludedPairs int
}

// Summarize tallies outcomes.
func Summarize(results []Result) Stats {
	s := Stats{Events: len(results), Failed: make(map[Status]int)}
	for _, r := range results {
		s.ExcludedPairs += r.ExcludedPairs
		if r.Reconstructed() {
			s.Reconstructed++
			continue
		}
		s.Failed[r.Status]++
	}
	return s
}
