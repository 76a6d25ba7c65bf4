package process

import (
	"bytes"
	"sync"
)

// outputCapture keeps the last limit bytes written to it and logs each
// complete line at debug level.
type outputCapture struct {
	mu      sync.Mutex
	tail    []byte
	partial []byte
	limit   int
	logLine func(line string)
}

func newOutputCapture(limit int, logLine func(string)) *outputCapture {
	return &outputCapture{limit: limit, logLine: logLine}
}

func (c *outputCapture) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.tail = append(c.tail, p...)
	if over := len(c.tail) - c.limit; over > 0 {
		c.tail = append(c.tail[:0], c.tail[over:]...)
	}

	if c.logLine != nil {
		c.partial = append(c.partial, p...)
		for {
			i := bytes.IndexByte(c.partial, '\n')
			if i < 0 {
				break
			}
			if line := bytes.TrimRight(c.partial[:i], "\r"); len(line) > 0 {
				c.logLine(string(line))
			}
			c.partial = c.partial[i+1:]
		}
		if len(c.partial) > c.limit {
			c.partial = c.partial[:0]
		}
	}
	return len(p), nil
}

func (c *outputCapture) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return string(c.tail)
}
