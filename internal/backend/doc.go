/*
Package backend defines the object store abstraction every higher
layer talks to (Lookup, Get, Put, Delete, List, Copy, Rename, Close —
declared as types.Backend) and provides:

  - Retrying, a decorator adding exponential backoff (pkg/retry) and
    circuit breaking (internal/circuit) around any driver.
  - a variant registry (New, Options) naming every backend identifier
    the configuration format recognizes; only local and s3 construct
    a real driver in this build, the rest report unsupported.

Concrete drivers live in backend/local and backend/s3.
*/
package backend
