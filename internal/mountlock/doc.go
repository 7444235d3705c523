/*
Package mountlock implements the single-mount exclusion check every
mount performs before touching the metadata database: list the
existing s3ql_seq_no_<N> markers, write one numbered one higher than
anything seen, wait out the backend's eventual-consistency window, and
list again. If a marker higher than the one just written shows up, a
concurrent mounter won the race and this mount aborts.

This is deliberately not a consensus algorithm - it is a best-effort
check appropriate to a single filesystem with one active writer at a
time, not a distributed lock service.
*/
package mountlock
