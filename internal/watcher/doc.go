// Package watcher watches directory trees and publishes change events using
// the host's native notification facility.
//
// A Watcher owns one registry goroutine. Watch and Unwatch only enqueue
// actions for it, so the event stream, not the return value of Watch, tells
// callers whether a root could actually be opened. Call Close when done;
// it releases every native handle before returning.
package watcher
