package writer

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/wtthornton/ha-ingestor/engine/models"
)

// deadLetterLog is an append-only log of records the Write Pipeline gave up
// on. Grounded on the corpus's buffered-channel-plus-ticker checkpoint
// writer: callers never block on disk I/O, a background goroutine batches
// and flushes periodically.
type deadLetterLog struct {
	path string
	ch   chan models.DeadLetterRecord
	wg   sync.WaitGroup
}

func newDeadLetterLog(path string) (*deadLetterLog, error) {
	dl := &deadLetterLog{path: path}
	if path == "" {
		return dl, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("dead letter log: create directory: %w", err)
	}
	dl.ch = make(chan models.DeadLetterRecord, 1024)
	dl.wg.Add(1)
	go dl.loop()
	return dl, nil
}

// Append enqueues a record for durable logging. Non-blocking: if the
// buffer is full the record is dropped from the log (but the caller's own
// dead-lettered counter still reflects it) rather than stalling the writer.
func (dl *deadLetterLog) Append(rec models.DeadLetterRecord) {
	if dl.ch == nil {
		return
	}
	select {
	case dl.ch <- rec:
	default:
	}
}

func (dl *deadLetterLog) Close() error {
	if dl.ch != nil {
		close(dl.ch)
		dl.wg.Wait()
	}
	return nil
}

func (dl *deadLetterLog) loop() {
	defer dl.wg.Done()
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	buf := make([]models.DeadLetterRecord, 0, 64)
	flush := func() {
		if len(buf) == 0 {
			return
		}
		f, err := os.OpenFile(dl.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return
		}
		w := bufio.NewWriter(f)
		enc := json.NewEncoder(w)
		for _, rec := range buf {
			_ = enc.Encode(rec)
		}
		_ = w.Flush()
		_ = f.Close()
		buf = buf[:0]
	}
	for {
		select {
		case rec, ok := <-dl.ch:
			if !ok {
				flush()
				return
			}
			buf = append(buf, rec)
			if len(buf) >= 64 {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}
