package logging

import (
	"go.uber.org/zap/zapcore"
)

// countingSyncer never returns write errors. A failed write is reported
// through onFailure and the entry is dropped.
type countingSyncer struct {
	ws        zapcore.WriteSyncer
	onFailure func()
	countAll  bool // every write is a failure report (zap's ErrorOutput)
	skipSync  bool // stdout returns EINVAL on sync for pipes and terminals
}

func (c *countingSyncer) Write(p []byte) (int, error) {
	if c.countAll {
		c.fail()
		return len(p), nil
	}
	if _, err := c.ws.Write(p); err != nil {
		c.fail()
	}
	return len(p), nil
}

func (c *countingSyncer) Sync() error {
	if c.skipSync {
		return nil
	}
	if err := c.ws.Sync(); err != nil {
		c.fail()
	}
	return nil
}

func (c *countingSyncer) fail() {
	if c.onFailure != nil {
		c.onFailure()
	}
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }
