// Package ratelimit keeps one golang.org/x/time/rate bucket per client key.
package ratelimit
