// Package tunnel obtains a public URL forwarding to a local port.
//
// The ngrok provider drives the ngrok agent binary and talks to its local API;
// the local provider hands out a loopback URL and is meant for offline work and
// tests.
package tunnel
