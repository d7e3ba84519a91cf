// Package s3 provides an Amazon S3 implementation of blobstore.Store.
//
// # Usage
//
//	store, err := s3.New(ctx, "my-bucket", func(o *s3.Options) {
//	    o.Prefix = "loom-backups/"
//	    o.Region = "us-east-1"
//	})
//
//	db, err := loom.Open(dir, func(o *loom.Options) { o.BackupStore = store })
//
// # Features
//
//   - Range reads for partial fetches
//   - Multipart uploads for large dumps
//   - Automatic pagination for listing
//   - Configurable prefix for sharing a bucket
package s3
