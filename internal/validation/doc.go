// Package validation validates form payloads and produces per-field error
// bodies for 400 responses.
package validation
