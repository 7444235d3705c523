/*
Package config loads and validates the tunables for one mount.

# Sources

Configuration is assembled from, in increasing priority:

	1. Compiled-in defaults (NewDefault)
	2. A YAML file (LoadFromFile)
	3. Environment variables prefixed S3QL_ (LoadFromEnv)

Mount-time parameters that are fixed at mkfs and never change again for
the life of a filesystem — block size, label, hash algorithm — live in
Params, not Configuration; they are read from the metadata store, not
from this package's sources.

# Tunables

	global:
	  log_level: INFO
	  cache_dir: ~/.s3ql
	  metrics_port: 8080
	cache:
	  max_cache_entries: 512
	  max_cache_size: 5368709120
	upload:
	  upload_threads: 10
	  metadata_upload_interval: 24h
	  metadata_backups: 10
	compression:
	  compression_algorithm: zlib
	  compression_level: 6
	backend:
	  url: s3://bucket/prefix
	  ssl_verify: true
	  backend_options:
	    region: us-west-2

Validate rejects a max_cache_size smaller than the filesystem's
data_block_size as invalid-argument, since the cache could never hold
even one clean block.
*/
package config
