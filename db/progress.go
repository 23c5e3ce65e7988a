package db

import "io"

// ProgressFunc is called after every chunk read from the network.
// total is -1 when unknown.
type ProgressFunc func(received int64, total int64)

// Progress updater interface
type ProgressUpdater interface {
	UpdateProgress(curr int, total int, message string)
}

// NewProgressReader reports the running byte count to progress after every Read.
func NewProgressReader(r io.Reader, total int64, progress ProgressFunc) io.Reader {
	return &countingReader{r: r, total: total, progress: progress}
}

type countingReader struct {
	r        io.Reader
	total    int64
	received int64
	progress ProgressFunc
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	if n > 0 {
		c.received += int64(n)
		if c.progress != nil {
			c.progress(c.received, c.total)
		}
	}
	return n, err
}
