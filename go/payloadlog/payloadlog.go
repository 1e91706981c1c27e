// Package payloadlog appends received webhook payloads to per-service
// rotating log files and reads them back for the admin surface.
//
// Each service gets its own directory under the base directory, created on
// first write, holding an active file (payload.log) plus up to BackupCount
// rotated siblings (payload.log.1 is the newest). Entries are independent
// JSON objects, one per line.
package payloadlog

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"
	"time"

	"go.skia.org/infra/go/now"
	"go.skia.org/infra/go/skerr"
)

const (
	// DefaultFileName is the name of the active log file.
	DefaultFileName = "payload.log"

	// DefaultMaxBytes is the rotation threshold.
	DefaultMaxBytes = 10 * 1024 * 1024

	// DefaultBackupCount is how many rotated siblings are retained.
	DefaultBackupCount = 5

	// DefaultRecentLimit and MaxRecentLimit bound Recent queries.
	DefaultRecentLimit = 10
	MaxRecentLimit     = 100

	// StatusSuccess and StatusFailure are the two processing outcomes an
	// Entry records.
	StatusSuccess = "success"
	StatusFailure = "failure"
)

// serviceRE rejects service names that could escape the base directory.
var serviceRE = regexp.MustCompile(`^[a-z0-9_-]+$`)

// Entry is one received payload with its processing outcome.
type Entry struct {
	Timestamp        string          `json:"timestamp"`
	WebhookType      string          `json:"webhook_type"`
	Payload          json.RawMessage `json:"payload"`
	SourceIP         string          `json:"source_ip,omitempty"`
	UserAgent        string          `json:"user_agent,omitempty"`
	ProcessingStatus string          `json:"processing_status"`
	GeneratedMessage string          `json:"generated_message,omitempty"`
	ErrorMessage     string          `json:"error_message,omitempty"`
	ContentLength    int64           `json:"content_length,omitempty"`
}

// Options configures a Logger. Zero values for FileName, MaxBytes and
// BackupCount fall back to the defaults above.
type Options struct {
	BaseDir     string
	FileName    string
	MaxBytes    int64
	BackupCount int
	Enabled     bool
}

// Logger writes and reads per-service payload logs. All methods are safe
// for concurrent use; writes to one service serialise on that service's
// mutex and never block another service.
type Logger struct {
	opts Options

	mtx   sync.Mutex
	locks map[string]*sync.Mutex
}

// New returns a Logger. A disabled Logger accepts writes and drops them,
// and reads as empty.
func New(opts Options) *Logger {
	if opts.FileName == "" {
		opts.FileName = DefaultFileName
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = DefaultMaxBytes
	}
	if opts.BackupCount == 0 {
		opts.BackupCount = DefaultBackupCount
	}
	return &Logger{
		opts:  opts,
		locks: map[string]*sync.Mutex{},
	}
}

// Append writes one entry to the service's log, rotating first when the
// entry would push the active file past the size threshold. The entry's
// Timestamp and WebhookType are filled in when empty. Callers treat a
// returned error as reportable but never fail the webhook request on it.
func (l *Logger) Append(ctx context.Context, service string, e Entry) error {
	if !l.opts.Enabled {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return skerr.Wrap(err)
	}
	if !serviceRE.MatchString(service) {
		return skerr.Fmt("invalid service name %q", service)
	}
	if e.Timestamp == "" {
		e.Timestamp = now.Now(ctx).UTC().Format(time.RFC3339)
	}
	if e.WebhookType == "" {
		e.WebhookType = service
	}
	line, err := json.Marshal(e)
	if err != nil {
		return skerr.Wrapf(err, "encoding log entry for %s", service)
	}
	line = append(line, '\n')

	mu := l.lockFor(service)
	mu.Lock()
	defer mu.Unlock()

	dir := filepath.Join(l.opts.BaseDir, service)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return skerr.Wrapf(err, "creating log directory for %s", service)
	}
	active := filepath.Join(dir, l.opts.FileName)
	if fi, err := os.Stat(active); err == nil && fi.Size() > 0 && fi.Size()+int64(len(line)) > l.opts.MaxBytes {
		if err := l.rotate(active); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(active, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return skerr.Wrapf(err, "opening %s", active)
	}
	_, werr := f.Write(line)
	cerr := f.Close()
	if werr != nil {
		return skerr.Wrapf(werr, "appending to %s", active)
	}
	if cerr != nil {
		return skerr.Wrapf(cerr, "closing %s", active)
	}
	return nil
}

// rotate shifts payload.log.N to payload.log.N+1 discarding the oldest,
// then moves the active file to payload.log.1. With a backup count below
// one the active file is simply dropped. Caller holds the service mutex.
func (l *Logger) rotate(active string) error {
	if l.opts.BackupCount < 1 {
		if err := os.Remove(active); err != nil && !os.IsNotExist(err) {
			return skerr.Wrap(err)
		}
		return nil
	}
	oldest := fmt.Sprintf("%s.%d", active, l.opts.BackupCount)
	if err := os.Remove(oldest); err != nil && !os.IsNotExist(err) {
		return skerr.Wrap(err)
	}
	for i := l.opts.BackupCount - 1; i >= 1; i-- {
		src := fmt.Sprintf("%s.%d", active, i)
		dst := fmt.Sprintf("%s.%d", active, i+1)
		if err := os.Rename(src, dst); err != nil && !os.IsNotExist(err) {
			return skerr.Wrap(err)
		}
	}
	if err := os.Rename(active, active+".1"); err != nil && !os.IsNotExist(err) {
		return skerr.Wrap(err)
	}
	return nil
}

// Recent returns up to limit entries for the service, newest first,
// reading the active file and then the rotated siblings. Lines that fail
// to parse are skipped. limit falls back to DefaultRecentLimit and is
// capped at MaxRecentLimit.
func (l *Logger) Recent(ctx context.Context, service string, limit int) ([]Entry, error) {
	if !l.opts.Enabled {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, skerr.Wrap(err)
	}
	if !serviceRE.MatchString(service) {
		return nil, skerr.Fmt("invalid service name %q", service)
	}
	if limit <= 0 {
		limit = DefaultRecentLimit
	}
	if limit > MaxRecentLimit {
		limit = MaxRecentLimit
	}

	mu := l.lockFor(service)
	mu.Lock()
	defer mu.Unlock()

	active := filepath.Join(l.opts.BaseDir, service, l.opts.FileName)
	files := []string{active}
	for i := 1; i <= l.opts.BackupCount; i++ {
		files = append(files, fmt.Sprintf("%s.%d", active, i))
	}
	var entries []Entry
	for _, path := range files {
		if len(entries) >= limit {
			break
		}
		lines, err := readLines(path)
		if err != nil {
			return nil, err
		}
		for i := len(lines) - 1; i >= 0 && len(entries) < limit; i-- {
			var e Entry
			if err := json.Unmarshal([]byte(lines[i]), &e); err != nil {
				continue
			}
			entries = append(entries, e)
		}
	}
	return entries, nil
}

// Services returns the sorted service names that have a log directory.
func (l *Logger) Services(ctx context.Context) ([]string, error) {
	if !l.opts.Enabled {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, skerr.Wrap(err)
	}
	dirs, err := os.ReadDir(l.opts.BaseDir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, skerr.Wrapf(err, "reading %s", l.opts.BaseDir)
	}
	var names []string
	for _, d := range dirs {
		if d.IsDir() {
			names = append(names, d.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// Remove deletes the service's entire log directory. Called when the last
// configuration for a service is deleted.
func (l *Logger) Remove(ctx context.Context, service string) error {
	if err := ctx.Err(); err != nil {
		return skerr.Wrap(err)
	}
	if !serviceRE.MatchString(service) {
		return skerr.Fmt("invalid service name %q", service)
	}
	mu := l.lockFor(service)
	mu.Lock()
	defer mu.Unlock()
	if err := os.RemoveAll(filepath.Join(l.opts.BaseDir, service)); err != nil {
		return skerr.Wrapf(err, "removing log directory for %s", service)
	}
	return nil
}

func (l *Logger) lockFor(service string) *sync.Mutex {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	mu, ok := l.locks[service]
	if !ok {
		mu = &sync.Mutex{}
		l.locks[service] = mu
	}
	return mu
}

// readLines returns the lines of path; a missing file reads as empty.
func readLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, skerr.Wrapf(err, "opening %s", path)
	}
	defer func() {
		_ = f.Close()
	}()
	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		if line := scanner.Text(); line != "" {
			lines = append(lines, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, skerr.Wrapf(err, "reading %s", path)
	}
	return lines, nil
}
