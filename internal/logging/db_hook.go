package logging

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/irfndi/celebrum-fetcher/internal/models"
)

// LogWriter persists a single log entry.
type LogWriter interface {
	InsertLog(ctx context.Context, entry models.LogEntry) error
}

// DatabaseHook is a logrus hook that copies entries into fetcher_logs.
// Entries are queued and written by a single goroutine so that logging
// never blocks on the database. Close drains the queue.
type DatabaseHook struct {
	writer   LogWriter
	levels   []logrus.Level
	entries  chan models.LogEntry
	errOut   io.Writer
	timeout  time.Duration
	dropped  atomic.Int64
	closed   atomic.Bool
	wg       sync.WaitGroup
	closeMu  sync.RWMutex
	shutdown sync.Once
}

// NewDatabaseHook starts the writer goroutine. Entries below minLevel are ignored.
func NewDatabaseHook(writer LogWriter, minLevel logrus.Level, bufferSize int) *DatabaseHook {
	if bufferSize <= 0 {
		bufferSize = 256
	}

	levels := make([]logrus.Level, 0, len(logrus.AllLevels))
	for _, l := range logrus.AllLevels {
		if l <= minLevel {
			levels = append(levels, l)
		}
	}

	h := &DatabaseHook{
		writer:  writer,
		levels:  levels,
		entries: make(chan models.LogEntry, bufferSize),
		errOut:  os.Stderr,
		timeout: 5 * time.Second,
	}

	h.wg.Add(1)
	go h.run()
	return h
}

// Levels implements logrus.Hook.
func (h *DatabaseHook) Levels() []logrus.Level {
	return h.levels
}

// Fire implements logrus.Hook.
func (h *DatabaseHook) Fire(entry *logrus.Entry) error {
	h.closeMu.RLock()
	defer h.closeMu.RUnlock()

	if h.closed.Load() {
		return nil
	}

	ctx := make(map[string]interface{}, len(entry.Data))
	for k, v := range entry.Data {
		if err, ok := v.(error); ok {
			ctx[k] = err.Error()
			continue
		}
		ctx[k] = v
	}

	record := models.LogEntry{
		Timestamp: entry.Time,
		Level:     levelName(entry.Level),
		Message:   entry.Message,
		Context:   ctx,
	}

	select {
	case h.entries <- record:
	default:
		h.dropped.Add(1)
	}
	return nil
}

// Dropped returns the number of entries discarded because the queue was full.
func (h *DatabaseHook) Dropped() int64 {
	return h.dropped.Load()
}

// Close stops accepting entries and waits until queued ones are written.
func (h *DatabaseHook) Close() {
	h.shutdown.Do(func() {
		h.closeMu.Lock()
		h.closed.Store(true)
		close(h.entries)
		h.closeMu.Unlock()
		h.wg.Wait()
	})
}

func (h *DatabaseHook) run() {
	defer h.wg.Done()
	for entry := range h.entries {
		ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
		if err := h.writer.InsertLog(ctx, entry); err != nil {
			// Must not go through logrus: the hook would fire again.
			fmt.Fprintf(h.errOut, "failed to write log entry to database: %v\n", err)
		}
		cancel()
	}
}

func levelName(l logrus.Level) string {
	switch l {
	case logrus.WarnLevel:
		return "WARNING"
	case logrus.PanicLevel, logrus.FatalLevel:
		return "CRITICAL"
	default:
		return strings.ToUpper(l.String())
	}
}
