/*
Package events provides an in-memory pub/sub broker for weir's lifecycle
notifications: job state changes, task state changes, checkpoint outcomes,
and task-executor registration/disconnection.

Delivery is best-effort and non-blocking: Publish never waits on a slow
subscriber, and a subscriber whose buffer is full simply misses that event.
This makes the broker suitable for metrics and UI-style observers, not for
anything that needs a guaranteed-delivery audit trail.

# Usage

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	go func() {
		for ev := range sub {
			if ev.Type == events.EventCheckpointAborted {
				...
			}
		}
	}()

	broker.Publish(&events.Event{
		Type:    events.EventJobRunning,
		Message: "job transitioned to RUNNING",
		Metadata: map[string]string{"job_id": jobId.String()},
	})
*/
package events
