package pipeline

import (
	"context"
)

// OrderedMap applies f to every item of in with up to maxConcurrent
// invocations in flight, yielding results on the returned channel in input
// order.
//
// The implementation is a bounded ring of pending result slots: each item
// gets a one-slot channel that is enqueued before its task starts, and a
// forwarder drains the ring head-first. Enqueueing blocks once
// maxConcurrent slots are outstanding, which is both the in-flight cap and
// the backpressure: no new input is pulled while the ring is full.
//
// Failures must travel as values inside O; OrderedMap itself never aborts
// the sequence. Cancelling ctx stops pulling input and launching tasks;
// work already in flight is left to finish and its results are still
// yielded, so the output channel always closes after a bounded drain.
func OrderedMap[I, O any](ctx context.Context, in <-chan I, maxConcurrent int, f func(I) O) <-chan O {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}

	out := make(chan O)
	go func() {
		defer close(out)

		// The forwarder holds one dequeued slot while awaiting its result,
		// so the buffer keeps maxConcurrent-1 and the total outstanding
		// never exceeds maxConcurrent.
		pending := make(chan chan O, maxConcurrent-1)
		done := make(chan struct{})

		go func() {
			defer close(done)
			for slot := range pending {
				out <- <-slot
			}
		}()

	pull:
		for {
			select {
			case <-ctx.Done():
				break pull
			case item, ok := <-in:
				if !ok {
					break pull
				}
				slot := make(chan O, 1)
				select {
				case pending <- slot:
				case <-ctx.Done():
					break pull
				}
				go func(item I) {
					slot <- f(item)
				}(item)
			}
		}

		close(pending)
		<-done
	}()
	return out
}
