// Package objectstore owns the S3 key layout for per-user sandbox
// storage:
//
//	users/{user_id}/hot/...    synced into the container at startup
//	users/{user_id}/cold/...   mounted lazily inside the container
//
// Zero-byte ".keep" markers pin empty prefixes and are excluded from
// stats and treated like any other object during cleanup.
package objectstore
