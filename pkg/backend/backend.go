// Package backend defines the capability set shared by both serving
// targets the supervisor can select between: a Backend is exactly the
// operations the supervisor needs and nothing else.
package backend

import "github.com/picoCTF/cmgr-artifact-server/pkg/watch"

// Options is the set of KEY=VALUE backend-specific options parsed from
// repeated --backend-option flags.
type Options map[string]string

// Backend is implemented by each serving target: the local HTTP download
// server and the object-store replicator. Exactly one is constructed and
// run per process, chosen by the --backend flag.
type Backend interface {
	// Run performs full reconciliation against cacheDir and then consumes
	// events from the stream until it closes or an unrecoverable error
	// occurs. Events sharing a BuildId are never processed concurrently;
	// the bus itself is what provides this guarantee (single consumer,
	// FIFO), so implementations simply range over the channel in order.
	Run(cacheDir string, events <-chan watch.BuildEvent) error
}

// Factory constructs a Backend from its options, validating and
// normalizing them. Each backend package exposes one Factory-shaped
// constructor; the supervisor selects among them by name.
type Factory func(options Options) (Backend, error)
