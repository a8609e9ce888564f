// Package retry provides the exponential backoff used between proxy attempts.
package retry
