// Package stack defines the contract between the bridge and a network
// engine.
//
// An engine owns protocol control blocks (pcbs) and runs every operation on
// a single goroutine. The bridge never touches a pcb from any other
// goroutine: it posts a job with Stack.Post and reacts to the callbacks the
// engine invokes from that same goroutine.
//
// Status values use the Err enumeration. Received data arrives as *Packet,
// which the receiver frees exactly once.
//
// Two engines ship with the module: stack/loopback, an in-process network
// used by tests and the demo CLI, and stack/hostnet, backed by OS sockets.
package stack
