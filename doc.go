// Package mcp implements the handshake and discovery layer of the Model Context Protocol (MCP)
// over two HTTP transports: an event stream announcing where the handshake endpoint lives, and a
// JSON-RPC endpoint serving the initialize/initialized negotiation.
//
// # Transports
//
// Server binds both listeners together and supervises them as a pair. If either bind fails,
// Start returns a *BindError and nothing is served.
//
// The event-stream transport (Announcer) pushes an "endpoint" event to every connected client
// immediately and then once per interval, with a keep-alive comment on the same cadence. The
// event payload is the URL-encoded address of the handshake transport. Each client has its own
// independent stream which stops as soon as the client disconnects.
//
// The handshake transport (NewRPCHandler) accepts one JSON-RPC 2.0 request per HTTP POST and
// answers synchronously. Two methods are served:
//
//	initialize(protocolVersion, capabilities, clientInfo) -> {protocolVersion, capabilities, sessionId, authentication, serverInfo}
//	initialized() -> null
//
// # Negotiation
//
// By default HandshakeService performs no negotiation: every initialize call returns the same
// response carrying ProtocolVersion, an empty capability set and the server info, and initialized
// always succeeds. WithStrictHandshake switches to a stricter policy which checks the protocol
// version, intersects capabilities, and issues a session ID that initialized must present.
//
// # Client
//
// Client reads the event stream until the first announcement, then performs the handshake:
//
//	cli := mcp.NewClient("http://localhost:8080/sse", nil)
//	if _, err := cli.DiscoverEndpoint(ctx); err != nil {
//		return err
//	}
//	res, err := cli.Initialize(ctx, mcp.InitializeParams{
//		ProtocolVersion: mcp.ProtocolVersion,
//		ClientInfo:      mcp.Info{Name: "my-client", Version: "1.0"},
//	})
//	if err != nil {
//		return err
//	}
//	err = cli.Initialized(ctx, res.Session())
package mcp
