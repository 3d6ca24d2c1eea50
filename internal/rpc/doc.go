// Package rpc implements the framed call protocol spoken on control streams.
//
// Every frame is a 4-byte big-endian length followed by a msgpack-encoded
// Message. The master sends one bootstrap message to a new worker and then
// drives it with calls through a Producer; the worker answers through a
// Consumer bound to an explicit Methods table.
package rpc
