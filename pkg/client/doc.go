// Package client is the Go client for the sandbox control-plane API.
// The e2e suite drives the server through it; programmatic callers get
// the same typed surface.
//
//	c := client.New("http://localhost:8080",
//		client.WithAPIKey(key),
//		client.WithUserID("u-alice"))
//
//	sb, err := c.CreateSandbox(ctx, client.CreateSandboxRequest{TTLSeconds: 3600})
//	res, err := c.Exec(ctx, sb.ID, client.ExecOptions{Command: "echo hi"})
//	_, err = c.DestroySandbox(ctx, sb.ID, true)
//
// Server-side errors round-trip: a 404 from the API satisfies
// errdefs.IsNotFound on the client.
package client
