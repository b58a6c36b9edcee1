package synscan

import "errors"

// ErrOpenFailed wraps any failure to open the raw send socket or the
// receive filter; the scan is aborted before any packets are sent.
var ErrOpenFailed = errors.New("synscan: failed to open socket or capture filter")

// ErrSendFailed wraps a send-path failure. A send failure is fatal to the
// running scan: the socket and capture handles are closed and the scan
// returns immediately.
var ErrSendFailed = errors.New("synscan: send failed")
