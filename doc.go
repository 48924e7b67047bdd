// Package mcpwire implements the connection, session, and protocol layer for
// talking to remote servers that expose typed capabilities: callable tools,
// addressable resources (including parameterized templates), and reusable
// prompts.
//
// The package hides three structurally different transports (child-process
// stdio pipes, HTTP with server-sent-event streaming, and persistent
// WebSocket sockets) behind a single Connector interface. A Session owns
// exactly one Connector, drives the handshake state machine, correlates
// asynchronous responses with their originating requests, and keeps a live
// Catalog of the remote's advertised capabilities. A Manager tracks many
// Sessions at once for inspector-style consumers, persisting its endpoint
// list across restarts.
//
// Sessions are created with NewSession and must be connected with Connect
// before use. All blocking operations accept a context and fail fast with
// NotConnectedError when the session is not ready.
package mcpwire
