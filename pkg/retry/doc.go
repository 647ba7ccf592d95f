// Package retry provides bounded exponential backoff for the calls a batch makes
// to external collaborators.
//
// Retry is confined to individual calls: one inference chunk, one artifact upload.
// Batches themselves are never retried; when a call exhausts its budget the batch
// fails and the dispatcher moves on.
//
//	resp, err := retry.DoWithResult(ctx, retry.DefaultConfig(), func() (*Response, error) {
//	    return c.post(ctx, chunk)
//	})
//
// A call that must not be repeated, such as a request the endpoint rejected as
// malformed, returns retry.NonRetryable(err) and Do gives up immediately.
//
// DefaultConfig allows 3 attempts with delays of 1s then 2s (doubling, capped at
// 10s). OnRetry lets callers log each transient failure separately from the
// final batch failure.
package retry
