package domain

// Storage is the bucket/key byte store every persistence-touching
// component depends on. It is a dumb key/value surface; bucket layout
// conventions are the caller's responsibility, and any read-then-write
// sequence over a bucket must run under Lock.
type Storage interface {
	Put(bucket, key string, value []byte) error
	Get(bucket, key string) ([]byte, error)
	Delete(bucket, key string) error
	// Keys lists every key currently stored in bucket. Used by the
	// Schedule service to enumerate due instants.
	Keys(bucket string) ([]string, error)
	// Lock acquires the storage-wide advisory lock and returns a release
	// function.
	Lock() (func(), error)
}

// ErrNotFoundKey is returned by Storage.Get when bucket/key has no value.
// Not a BureaucratError because storage backends are free to wrap it with
// their own causes; callers that need the domain error code translate it.
var ErrNotFoundKey = NewBureaucratError(ErrCodeNotFound, "no such storage key", nil)
