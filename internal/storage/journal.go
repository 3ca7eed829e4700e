package storage

import (
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	ErrJournalClosed = errors.New("journal is closed")
	ErrJournalFull   = errors.New("journal buffer full")
)

// CommandRecord is one routed command and its outcome.
type CommandRecord struct {
	Time       time.Time `json:"time"`
	Kind       string    `json:"kind"`
	Origin     string    `json:"origin"`
	Success    bool      `json:"success"`
	Error      string    `json:"error,omitempty"`
	DurationMS int64     `json:"duration_ms"`
}

// Journal appends command records as JSON lines to
// baseDir/<UTC date>/commands.jsonl. Writes are queued and never block the
// caller; a full queue drops the record.
type Journal struct {
	baseDir   string
	maxSizeMB int
	writeCh   chan CommandRecord
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	mu          sync.Mutex
	currentDate string
	logger      *lumberjack.Logger
}

// NewJournal starts the background writer.
func NewJournal(baseDir string, bufferSize, maxSizeMB int) *Journal {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	if maxSizeMB <= 0 {
		maxSizeMB = 50
	}
	j := &Journal{
		baseDir:   baseDir,
		maxSizeMB: maxSizeMB,
		writeCh:   make(chan CommandRecord, bufferSize),
		done:      make(chan struct{}),
	}
	j.wg.Add(1)
	go j.writeLoop()
	return j
}

// Record queues rec for writing.
func (j *Journal) Record(rec CommandRecord) error {
	if rec.Time.IsZero() {
		rec.Time = time.Now().UTC()
	}
	select {
	case <-j.done:
		return ErrJournalClosed
	default:
	}
	select {
	case j.writeCh <- rec:
		return nil
	default:
		slog.Warn("journal buffer full, dropping record", "kind", rec.Kind)
		return ErrJournalFull
	}
}

// Close flushes queued records and closes the current file.
func (j *Journal) Close() error {
	j.closeOnce.Do(func() { close(j.done) })
	j.wg.Wait()

	j.mu.Lock()
	defer j.mu.Unlock()
	if j.logger != nil {
		err := j.logger.Close()
		j.logger = nil
		return err
	}
	return nil
}

func (j *Journal) writeLoop() {
	defer j.wg.Done()
	for {
		select {
		case rec := <-j.writeCh:
			j.write(rec)
		case <-j.done:
			for {
				select {
				case rec := <-j.writeCh:
					j.write(rec)
				default:
					return
				}
			}
		}
	}
}

func (j *Journal) write(rec CommandRecord) {
	data, err := json.Marshal(rec)
	if err != nil {
		slog.Error("journal marshal failed", "error", err)
		return
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	date := rec.Time.UTC().Format("2006-01-02")
	if j.logger == nil || date != j.currentDate {
		if err := j.rotateForDate(date); err != nil {
			slog.Error("journal rotate failed", "error", err, "date", date)
			return
		}
	}
	if _, err := j.logger.Write(append(data, '\n')); err != nil {
		slog.Error("journal write failed", "error", err)
	}
}

func (j *Journal) rotateForDate(date string) error {
	if j.logger != nil {
		j.logger.Close()
		j.logger = nil
	}
	dir := filepath.Join(j.baseDir, date)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	filename := filepath.Join(dir, "commands.jsonl")
	j.logger = &lumberjack.Logger{
		Filename:   filename,
		MaxSize:    j.maxSizeMB,
		MaxBackups: 30,
		MaxAge:     30,
		LocalTime:  false,
	}
	j.currentDate = date
	slog.Info("journal opened", "file", filename)
	return nil
}
