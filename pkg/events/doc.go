/*
Package events provides the in-memory broker that fans sandbox
lifecycle transitions out to interested subscribers.

The manager publishes one event per state transition; subscribers are
plain channels and never block the publisher:

	Publisher → Event Channel (buffer: 100)
	     ↓
	Broadcast Loop
	     ↓
	Subscriber Channels (buffer: 50 each, drop on full)

Event types mirror the lifecycle: sandbox.created, sandbox.ready,
sandbox.running, sandbox.destroyed, sandbox.failed, sandbox.expired,
and sandbox.reconciled for records repaired by the reconcile loop.

Delivery is best-effort. A slow subscriber loses events rather than
stalling state transitions, so consumers needing exact counts (the
metrics layer) must tolerate drops or sample the store instead.

Usage:

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	for event := range sub {
		fmt.Println(event.Type, event.SandboxID)
	}
*/
package events
