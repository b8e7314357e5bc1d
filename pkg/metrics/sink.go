package metrics

import (
	"github.com/armanisadeghi/matrx-sandbox/pkg/events"
)

// EventSink subscribes to the broker and feeds the lifecycle counters
// until the returned stop function is called. Delivery is best-effort
// (the broker drops on full buffers); the gauge kept by the Collector
// stays authoritative.
func EventSink(b *events.Broker) (stop func()) {
	sub := b.Subscribe()
	done := make(chan struct{})

	go func() {
		defer close(done)
		for event := range sub {
			switch event.Type {
			case events.EventSandboxCreated:
				SandboxesCreated.Inc()
			case events.EventSandboxExpired:
				SandboxesExpired.Inc()
			case events.EventSandboxFailed:
				SandboxesFailed.Inc()
			}
		}
	}()

	return func() {
		b.Unsubscribe(sub)
		<-done
	}
}
