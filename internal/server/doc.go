// Package server assembles the HTTP surface of the VisionSync API: route
// registration, middleware ordering, and the listener lifecycle. Request
// semantics live in the api package; this package only decides what wraps
// what.
package server
