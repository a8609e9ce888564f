// Package pool keeps one bounded connection pool per upstream endpoint.
//
// A Pool admits at most MaxSize concurrent requests; the slot count is a
// weighted semaphore and the connections themselves live in a dedicated
// http.Transport whose per-host limit matches the slot count. Callers that
// cannot get a slot within AcquireTimeout receive ErrPoolExhausted.
package pool
