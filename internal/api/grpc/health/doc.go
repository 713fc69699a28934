// Package health exposes the crx-server lifecycle state over the standard
// grpc.health.v1 service and provides the matching probe client.
package health
