package cli

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"time"

	"gatekeeper/internal/strategy"
)

// readSignals decodes a stream of JSON signals (one object after another,
// typically one per line) and closes the channel at EOF or when ctx is done.
// A missing timestamp is set to the time the signal was read.
func readSignals(ctx context.Context, r io.Reader, now func() time.Time) <-chan strategy.Signal {
	out := make(chan strategy.Signal)
	go func() {
		defer close(out)
		dec := json.NewDecoder(r)
		for {
			var sig strategy.Signal
			if err := dec.Decode(&sig); err != nil {
				if !errors.Is(err, io.EOF) {
					log.Printf("[engine] signal input stopped: %v", err)
				}
				return
			}
			if sig.Timestamp.IsZero() {
				sig.Timestamp = now()
			}
			select {
			case out <- sig:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}
