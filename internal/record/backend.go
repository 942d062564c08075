package record

import "context"

// Backend is the durable map/counter capability the store requires. The store
// never implements durability itself; any backend that provides a mapping
// from id to record plus a counter that is strictly increasing across process
// restarts will do.
//
// Backends only need to be safe for the access pattern the store imposes:
// mutating calls are serialized by the store, reads may run concurrently with
// other reads.
type Backend interface {
	// Get returns the record stored under id, with ok=false when absent.
	Get(ctx context.Context, id uint64) (HealthRecord, bool, error)
	// Put stores rec under rec.ID, overwriting any previous value.
	Put(ctx context.Context, rec HealthRecord) error
	// Remove deletes the record under id, reporting whether it existed.
	Remove(ctx context.Context, id uint64) (bool, error)
	// List returns all stored records in implementation-defined order.
	List(ctx context.Context) ([]HealthRecord, error)
	// Count returns the number of stored records.
	Count(ctx context.Context) (uint64, error)
	// NextID returns the next value of the durable counter. Values are
	// strictly increasing and never reused, even across restarts.
	NextID(ctx context.Context) (uint64, error)
	// Close releases backend resources.
	Close() error
}
