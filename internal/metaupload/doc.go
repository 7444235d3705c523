/*
Package metaupload implements the two metadata backup cadences: a full
snapshot taken with SQLite's VACUUM INTO and uploaded as the
s3ql_metadata object with ten rotated backups, and an incremental
delta of WAL bytes accumulated since the last checkpoint uploaded as a
numbered s3ql_metadata_delta_<seq> object. Restore applies the newest
full snapshot followed by every delta in ascending sequence order.

Both directions run the payload through the same object codec used for
data blocks, so metadata at rest gets the same encryption and
compression treatment as file content.
*/
package metaupload
