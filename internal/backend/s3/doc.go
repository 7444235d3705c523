/*
Package s3 implements the reference cloud storage driver for the
backend abstraction, built on aws-sdk-go-v2. It performs no retry or
circuit-breaking of its own — see backend.Retrying, which wraps every
constructed driver with pkg/retry and internal/circuit before handing
it to the rest of the engine.
*/
package s3
