// Package api provides the WebSocket server for relay-core.
//
// The HTTP layer is hosting only: a chi router serving the WebSocket
// upgrade endpoint and a health check. All client interaction happens
// over the WebSocket protocol (authenticate, subscribe to devices,
// dispatch commands) and all real-time fan-out flows through the Hub.
//
// The server follows the same lifecycle pattern as the infrastructure
// components:
//
//	server, err := api.New(deps)
//	server.Start(ctx)
//	defer server.Close()
//
// Thread Safety: the Hub and all Server methods are safe for concurrent
// use from multiple goroutines.
package api
