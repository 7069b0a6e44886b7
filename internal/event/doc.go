/*
Package event provides the pub/sub event system used to observe language
server sessions.

The bus keeps direct subscribers, called with the original Go value in Data,
and mirrors every event as JSON onto a watermill GoChannel topic. Stream reads
that topic, which is how the status server and the serve command's event log
follow lifecycle changes without holding references into the session manager.

# Event Types

Session Events:
  - session.starting: a launch was admitted for (window, configuration)
  - session.ready: the client finished initialize and is usable
  - session.stopping: shutdown was requested
  - session.removed: the entry left the registry
  - session.crashed: the transport closed without exit

Window Events:
  - window.unloaded: the last session of a window was removed

Config Events:
  - config.changed: a settings file was written

# Usage

	bus := event.NewBus()
	defer bus.Close()

	unsub := bus.Subscribe(event.SessionReady, func(e event.Event) {
		data := e.Data.(event.SessionData)
		fmt.Println(data.Config, "ready in window", data.Window)
	})
	defer unsub()

	events, err := bus.Stream(ctx)
	if err != nil {
		return err
	}
	for e := range events {
		fmt.Println(e.Type, string(e.Data.(json.RawMessage)))
	}
*/
package event
