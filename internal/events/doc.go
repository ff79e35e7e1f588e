// Package events publishes typed session and token lifecycle notifications.
//
// The Bus decouples business logic from observers: the session manager and
// recovery engine publish events, while audit, metrics and tests subscribe.
// Publishing never blocks; a subscriber whose buffer is full misses events.
//
//	bus := events.NewBus(logger)
//	ch, cancel := bus.Subscribe(16)
//	defer cancel()
//	for ev := range ch {
//		fmt.Println(ev.Type, ev.SessionID)
//	}
package events
