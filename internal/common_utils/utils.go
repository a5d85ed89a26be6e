package commonutils

import (
	"bytes"
	"runtime"
	"strconv"
)

// GoID returns the numeric ID of the calling goroutine. It is used only for
// debug-level log fields that help correlate a pending RPC's completion
// callback with the goroutine that ran it; it is not used for any control
// decision.
func GoID() int64 {
	b := make([]byte, 64)
	b = b[:runtime.Stack(b, false)]
	b = bytes.TrimPrefix(b, []byte("goroutine "))
	i := bytes.IndexByte(b, ' ')
	if i < 0 {
		return -1
	}
	n, err := strconv.ParseInt(string(b[:i]), 10, 64)
	if err != nil {
		return -1
	}
	return n
}
