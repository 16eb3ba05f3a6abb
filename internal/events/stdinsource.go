package events

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
)

// StdinSource reads newline-delimited JSON Incoming events from r. It is
// the reference EventSource: a concrete message-queue integration is a
// collaborator concern out of scope here, but something must
// feed the handler for it to be exercised end to end.
type StdinSource struct {
	r io.Reader
}

func NewStdinSource(r io.Reader) *StdinSource {
	return &StdinSource{r: r}
}

func (s *StdinSource) Events(ctx context.Context) (<-chan Incoming, error) {
	out := make(chan Incoming)
	go func() {
		defer close(out)
		scanner := bufio.NewScanner(s.r)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Bytes()
			if len(line) == 0 {
				continue
			}
			var ev Incoming
			if err := json.Unmarshal(line, &ev); err != nil {
				continue
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
