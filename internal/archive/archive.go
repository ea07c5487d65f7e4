// Package archive ships flushed audit/telemetry batches off the
// reactor host to durable cloud storage, independent of the live
// Postgres connection used for parameter and command state.
package archive

import "context"

// Backend is the minimal upload surface the maintenance scheduler
// drives. Implementations own their own connection lifecycle.
type Backend interface {
	Upload(ctx context.Context, key string, body []byte) error
	Close() error
}

// NopBackend is used when ARCHIVE_BACKEND is "none" or unset; every
// upload succeeds trivially so callers never need a nil check.
type NopBackend struct{}

func (NopBackend) Upload(context.Context, string, []byte) error { return nil }
func (NopBackend) Close() error                                  { return nil }
