// Package metrics exposes coven-board's Prometheus instruments.
package metrics
