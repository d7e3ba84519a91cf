// Package minio provides a blobstore.Store on the MinIO client.
//
// It works with MinIO and other S3-compatible services (Ceph, Garage,
// SeaweedFS) without pulling in the AWS SDK.
//
// # Basic Usage
//
//	store, err := minio.New(ctx, "localhost:9000", "loom-backups", func(o *minio.Options) {
//	    o.AccessKey = "minioadmin"
//	    o.SecretKey = "minioadmin"
//	    o.CreateBucket = true
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//
// An existing client can be wrapped with NewStore.
package minio
