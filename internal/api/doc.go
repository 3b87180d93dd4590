// Package api exposes the coordination engine over HTTP: session lifecycle,
// source membership and liveness, director switching, broadcast bridge
// control and media ingest negotiation.
package api
