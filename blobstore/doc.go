// Package blobstore stores loom backups as named blobs.
//
// Store is the interface backup dumps are written to and restored from.
// Implementations must be safe for concurrent use.
//
// # Built-in Implementations
//
//   - LocalStore: a directory on the local file system
//   - MemoryStore: process memory, for tests
//   - s3.Store: Amazon S3 with range reads and multipart uploads
//   - minio.Store: any S3-compatible service through the MinIO client
//
// # Custom Implementations
//
//	type Store interface {
//	    Open(ctx, name) (Blob, error)
//	    Create(ctx, name) (WritableBlob, error)
//	    Put(ctx, name, data) error
//	    Delete(ctx, name) error
//	    List(ctx, prefix) ([]string, error)
//	}
//
// A WritableBlob publishes its content on Close. Writers that can discard an
// unfinished upload also implement Aborter.
package blobstore
