/*
Package fsck is the offline consistency checker. It walks the tables
the metadata store enforces less strictly than a foreign key
(refcount equalities the block manager is expected to maintain but
that a crash mid-transaction can still leave adrift), reconciles the
backend's object listing against the objects table, and, in deep mode,
re-downloads and re-verifies every object's stored hash.

fsck never runs concurrently with a mount: callers are expected to
have taken the mount-exclusion marker themselves before invoking Run.
*/
package fsck
