// Package server hosts the Fiber HTTP service and its request middleware
// chain. Every request gets a request ID; paths under /-/ are reserved for
// the admin surface registered by the routes subpackage, everything else is
// handed to the injected ContentHandler that answers from the offline cache.
// Keep exports narrow and accept explicit dependencies.
package server
