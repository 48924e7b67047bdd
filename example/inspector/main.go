// Command inspector connects to one or more endpoints and prints the
// capabilities each one advertises. Endpoints come from the store file and
// from flags; connected endpoints are persisted for the next run.
//
// Usage:
//
//	inspector -stdio "npx" -- -y @modelcontextprotocol/server-filesystem /tmp
//	inspector -http http://localhost:8080/sse
//	inspector -ws ws://localhost:8081/mcp
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/skalbe/mcpwire"
)

func main() {
	var (
		storePath = flag.String("store", "endpoints.json", "path to the endpoint store file")
		command   = flag.String("stdio", "", "spawn a stdio endpoint with this command; trailing args are passed through")
		httpURL   = flag.String("http", "", "connect to an HTTP endpoint at this URL")
		wsURL     = flag.String("ws", "", "connect to a WebSocket endpoint at this URL")
	)
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	m := mcpwire.NewManager(mcpwire.Info{Name: "inspector", Version: "0.1.0"},
		mcpwire.WithManagerLogger(logger),
		mcpwire.WithManagerStore(mcpwire.NewEndpointStore(*storePath)),
	)

	events := m.Subscribe()
	go func() {
		for ev := range events {
			logger.Info("session state changed",
				"session", ev.SessionID, "from", ev.From, "to", ev.To)
		}
	}()

	ctx := context.Background()
	if err := m.Restore(ctx); err != nil {
		logger.Warn("some stored endpoints failed to connect", "err", err)
	}
	for _, ep := range flagEndpoints(*command, flag.Args(), *httpURL, *wsURL) {
		sess, err := m.Add(ctx, ep)
		if err != nil {
			logger.Error("failed to connect", "endpoint", ep.URL, "err", err)
			if sess != nil && sess.AuthorizationURL() != "" {
				logger.Info("authorization required", "url", sess.AuthorizationURL())
			}
		}
	}

	for _, sess := range m.List() {
		if sess.State() != mcpwire.StateReady {
			fmt.Printf("%s: %s\n", sess.ID(), sess.State())
			continue
		}

		info := sess.ServerInfo()
		fmt.Printf("%s: %s %s\n", sess.ID(), info.Name, info.Version)

		snap := sess.ListCapabilities()
		for _, tool := range snap.Tools {
			fmt.Printf("  tool      %-28s %s\n", tool.Name, tool.Description)
		}
		for _, res := range snap.Resources {
			fmt.Printf("  resource  %-28s %s\n", res.URI, res.Name)
		}
		for _, tpl := range snap.ResourceTemplates {
			fmt.Printf("  template  %-28s %s\n", tpl.URITemplate, tpl.Name)
		}
		for _, prompt := range snap.Prompts {
			fmt.Printf("  prompt    %-28s %s\n", prompt.Name, prompt.Description)
		}
	}

	closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.Close(closeCtx); err != nil {
		logger.Error("shutdown failed", "err", err)
	}
}

func flagEndpoints(command string, args []string, httpURL, wsURL string) []mcpwire.Endpoint {
	var endpoints []mcpwire.Endpoint
	if command != "" {
		endpoints = append(endpoints, mcpwire.Endpoint{
			Name:      command,
			URL:       command,
			Args:      args,
			Transport: mcpwire.TransportStdio,
		})
	}
	if httpURL != "" {
		endpoints = append(endpoints, mcpwire.Endpoint{
			Name:      httpURL,
			URL:       httpURL,
			Transport: mcpwire.TransportHTTP,
		})
	}
	if wsURL != "" {
		endpoints = append(endpoints, mcpwire.Endpoint{
			Name:      wsURL,
			URL:       wsURL,
			Transport: mcpwire.TransportWebSocket,
		})
	}
	return endpoints
}
