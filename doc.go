// Package catsnake is a client for the CatSnake channel-based publish/subscribe
// broker.
//
// A Client owns one socket to the broker. Operations never block: calls made
// before the socket opens are queued and sent exactly once after it opens.
// Every operation returns a *Pending that resolves when the broker replies to
// the request, when sending fails, or when the reply timeout elapses. Callers
// that do not care about the outcome can ignore it.
//
//	c, err := catsnake.New("wss://broker.example/ps", catsnake.WithCommonName("alice"))
//	if err != nil {
//		return err
//	}
//	defer c.Close()
//
//	sub := c.Subscribe("general", func(msg *protocol.Message) {
//		fmt.Println(msg.Metadata.CommonName, msg.Payload)
//	}, catsnake.SubscribeOptions{NoSelf: true})
//	defer sub.Unsubscribe()
//
//	c.Publish("general", map[string]any{"msg": "hi"}, "")
//
// Failures follow a warn-and-continue policy: they are logged, delivered to
// the operation's Pending, passed to the handler set with WithErrorHandler,
// and kept in a bounded history returned by RecentErrors.
package catsnake
