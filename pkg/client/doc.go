// Package client watches a hookrelay server's live dispatch feed over a
// WebSocket.
//
// The client handles:
//   - Automatic reconnection with jittered exponential backoff
//   - Ping/pong keep-alive messages
//   - Structured logging with customizable output
//   - Event callbacks for custom processing
//   - Graceful shutdown
//
// Basic usage:
//
//	config := client.Config{
//	    ServerURL:  "wss://relay.example.com/ws",
//	    Token:      os.Getenv("WATCH_TOKEN"),
//	    Repository: "portfolio_v2",
//	    OnEvent: func(event client.Event) {
//	        fmt.Printf("%s %s: %d/%d delivered\n", event.Repository, event.Kind,
//	            event.Destinations-event.Failed, event.Destinations)
//	    },
//	}
//
//	c, err := client.New(config)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	if err := c.Start(context.Background()); err != nil {
//	    log.Fatal(err)
//	}
//
// Repository "*" (the default) watches every repository. A rejected token
// stops the client with an *AuthenticationError instead of reconnecting.
package client
