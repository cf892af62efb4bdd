// Package mcp implements a client and server for the Model Context Protocol (MCP), speaking
// JSON-RPC 2.0 with one message per line. It is the session layer of a small medical chatbot, but
// knows nothing about medicine: it carries three kinds of requests between the two processes.
//
//   - resources/read fetches a resource by URI. URIs may be RFC 6570 templates such as
//     greeting://patient/{name}, whose variables are bound when the request is dispatched.
//   - prompts/get renders a named prompt template with string arguments.
//   - tools/call invokes a named tool with string arguments.
//
// A client opens a Session over a ClientTransport (StdIO, CommandTransport or SSEClient). Open
// performs the initialize handshake and returns a Session in the Ready state. Its operations may be
// called concurrently; responses are matched to requests by id only, so replies arriving out of
// order are delivered correctly. Close is idempotent and always reaps a spawned server process.
//
//	sess, err := mcp.Open(ctx, mcp.NewCommandTransport(mcp.LaunchSpec{Command: "medbot-server"}))
//	if err != nil {
//		return err
//	}
//	defer sess.Close()
//
//	greeting, err := sess.ReadResource(ctx, "greeting://patient/Ada")
//
// A server registers handlers in a Registry and serves them over a ServerTransport. The registry is
// frozen once Serve starts. Handler errors and panics are turned into error responses by the
// Dispatcher; they never end the connection.
//
//	r := mcp.NewRegistry()
//	_ = r.RegisterTool("chat", chatHandler, mcp.WithArguments(chatArgs{}))
//	srv := mcp.NewServer(mcp.Info{Name: "medbot", Version: "0.1.0"}, mcp.NewStdIO(os.Stdin, os.Stdout), r)
//	srv.Serve()
package mcp
