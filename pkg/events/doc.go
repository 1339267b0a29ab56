/*
Package events is the in-process broker for fleet notifications.

The control plane publishes an event for every committed node transition,
every registration, and the start and end of every recovery episode.
Subscribers receive them on buffered channels. Publishing never blocks the
caller: a full queue or a slow subscriber drops the event, which is
acceptable because the store, not the event stream, is the source of truth.

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	for ev := range sub {
		fmt.Println(ev.Type, ev.NodeID, ev.Message)
	}

Stop closes every remaining subscription, so range loops over a Subscriber
terminate on shutdown.
*/
package events
