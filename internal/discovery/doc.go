// Package discovery defines sources that keep a route's instance list in
// sync with an external system. Implementations live in the consul and file
// subpackages. Sources only read; registering instances is left to the
// systems they watch.
package discovery
