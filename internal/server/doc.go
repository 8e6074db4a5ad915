// Package server implements the HTTP surface of the file drop: upload and
// download routes, status and health probes, metrics, and the middleware
// chain around them. It holds no storage logic of its own; everything goes
// through the transfer service and the probes handed in by main.
package server
