package testutil

import (
	"bytes"
	"io"
	"log"
	"os"
	"sync"
	"testing"
)

// TestLogger returns a logger tagged with the running test's name.
func TestLogger(t *testing.T) *log.Logger {
	logger := log.New(os.Stdout, "["+t.Name()+"] ", log.LstdFlags|log.Lmicroseconds)
	t.Cleanup(func() {
		logger.SetOutput(io.Discard)
	})
	return logger
}

// SyncBuffer is a bytes.Buffer safe for concurrent writers.
type SyncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *SyncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *SyncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// CaptureLogger returns a logger whose output can be inspected by the test.
func CaptureLogger(t *testing.T) (*log.Logger, *SyncBuffer) {
	buf := &SyncBuffer{}
	return log.New(buf, "["+t.Name()+"] ", 0), buf
}
