package proxy

import (
	"errors"
	"io"
	"net/http"
	"sync"
	"time"
)

var bufPool = sync.Pool{
	New: func() any {
		b := make([]byte, 32*1024)
		return &b
	},
}

// CopyBody streams body to w in fixed-size chunks. A zero flushInterval
// flushes after every chunk, a positive one flushes at most that often, and
// a negative one never flushes explicitly.
func CopyBody(w http.ResponseWriter, body io.Reader, flushInterval time.Duration) (int64, error) {
	bp := bufPool.Get().(*[]byte)
	defer bufPool.Put(bp)
	buf := *bp

	if flushInterval < 0 {
		return io.CopyBuffer(w, body, buf)
	}

	rc := http.NewResponseController(w)
	var (
		written   int64
		lastFlush = time.Now()
	)
	for {
		n, rerr := body.Read(buf)
		if n > 0 {
			m, werr := w.Write(buf[:n])
			written += int64(m)
			if werr != nil {
				return written, werr
			}
			if flushInterval == 0 || time.Since(lastFlush) >= flushInterval {
				if err := rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
					return written, err
				}
				lastFlush = time.Now()
			}
		}
		if rerr == io.EOF {
			if flushInterval > 0 {
				rc.Flush()
			}
			return written, nil
		}
		if rerr != nil {
			return written, rerr
		}
	}
}
