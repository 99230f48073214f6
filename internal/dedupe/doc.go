// Package dedupe remembers Idempotency-Key headers so a retried message
// create returns the original outcome instead of writing twice.
package dedupe
