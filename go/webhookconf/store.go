package webhookconf

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.skia.org/infra/go/now"
	"go.skia.org/infra/go/skerr"
	"go.skia.org/infra/go/sklog"
	"go.skia.org/infra/go/util"
)

// backupTimeFormat is the timestamp embedded in backup file names,
// e.g. webhook-config_20250814_153012.ini.bak.
const backupTimeFormat = "20060102_150405"

var backupNameRE = regexp.MustCompile(`_([0-9]{8}_[0-9]{6})\.ini\.bak$`)

// tokenEq compares tokens without case sensitivity.
func tokenEq(a, b string) bool {
	return strings.EqualFold(a, b)
}

// Store serves webhook configuration lookups and serialises rewrites of the
// backing file. The file is re-read from disk on every lookup, so
// administrative writes are visible to the next request with no reload
// signal; writes go through a tempfile-and-rename so a concurrent reader
// sees either the old contents or the new, never a torn file.
type Store struct {
	path      string
	backupDir string

	// mtx serialises writers. Readers never take it.
	mtx sync.Mutex
}

// NewStore returns a Store over the given configuration file. backupDir
// receives a timestamped copy of the file before every rewrite; it is
// created on first use. A missing configuration file reads as an empty
// store so that the first Create can bootstrap it.
func NewStore(path, backupDir string) *Store {
	return &Store{
		path:      path,
		backupDir: backupDir,
	}
}

// load reads and parses the entire file. A missing file is an empty store.
func (s *Store) load(ctx context.Context) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, skerr.Wrap(err)
	}
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, skerr.Wrapf(err, "reading %s", s.path)
	}
	recs, err := parseRecords(string(data))
	if err != nil {
		return nil, skerr.Wrapf(err, "parsing %s", s.path)
	}
	return recs, nil
}

// Resolve returns the record for (service, token) or ErrNotFound. The file
// is re-read on every call. Tokens compare case-insensitively because the
// ingestion route lowercases path components before lookup.
func (s *Store) Resolve(ctx context.Context, service, tok string) (Record, error) {
	recs, err := s.load(ctx)
	if err != nil {
		return Record{}, err
	}
	for _, r := range recs {
		if r.Service == service && tokenEq(r.Token, tok) {
			return r, nil
		}
	}
	return Record{}, skerr.Wrapf(ErrNotFound, "no matching configuration for service %q", service)
}

// List returns every record, sorted by (service, token).
func (s *Store) List(ctx context.Context) ([]Record, error) {
	return s.load(ctx)
}

// TokenInUse reports whether tok is bound to any record. Used by the mint.
func (s *Store) TokenInUse(ctx context.Context, tok string) bool {
	recs, err := s.load(ctx)
	if err != nil {
		// An unreadable store reports every token as taken.
		sklog.Warningf("Token uniqueness check could not read the store: %s", err)
		return true
	}
	for _, r := range recs {
		if tokenEq(r.Token, tok) {
			return true
		}
	}
	return false
}

// Create validates rec and inserts it. The token must be unused anywhere in
// the store; records carrying the synthetic legacy token only collide with
// the same service's legacy record.
func (s *Store) Create(ctx context.Context, rec Record) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	recs, err := s.load(ctx)
	if err != nil {
		return err
	}
	if err := rec.Validate(); err != nil {
		return err
	}
	for _, r := range recs {
		if r.Service == rec.Service && tokenEq(r.Token, rec.Token) {
			return skerr.Wrapf(ErrTokenCollision, "configuration already exists for service %q", rec.Service)
		}
		if rec.Token != LegacyToken && tokenEq(r.Token, rec.Token) {
			return skerr.Wrapf(ErrTokenCollision, "token already bound to another configuration")
		}
	}
	recs = append(recs, rec)
	return s.write(ctx, recs)
}

// Update replaces the mutable parts of the record identified by (service,
// token). The token itself never changes.
func (s *Store) Update(ctx context.Context, service, tok, alignment, fields, template string) (Record, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	recs, err := s.load(ctx)
	if err != nil {
		return Record{}, err
	}
	for i, r := range recs {
		if r.Service != service || !tokenEq(r.Token, tok) {
			continue
		}
		updated := r
		updated.Alignment = alignment
		updated.Fields = fields
		updated.Template = template
		if err := updated.Validate(); err != nil {
			return Record{}, err
		}
		recs[i] = updated
		if err := s.write(ctx, recs); err != nil {
			return Record{}, err
		}
		return updated, nil
	}
	return Record{}, skerr.Wrapf(ErrNotFound, "no matching configuration for service %q", service)
}

// Delete removes the record identified by (service, token) and reports
// whether it was the last record for that service, so the caller can
// cascade-delete the service's payload-log directory.
func (s *Store) Delete(ctx context.Context, service, tok string) (bool, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	recs, err := s.load(ctx)
	if err != nil {
		return false, err
	}
	kept := recs[:0]
	found := false
	lastOfService := true
	for _, r := range recs {
		if r.Service == service && tokenEq(r.Token, tok) {
			found = true
			continue
		}
		if r.Service == service {
			lastOfService = false
		}
		kept = append(kept, r)
	}
	if !found {
		return false, skerr.Wrapf(ErrNotFound, "no matching configuration for service %q", service)
	}
	if err := s.write(ctx, kept); err != nil {
		return false, err
	}
	return lastOfService, nil
}

// Validate parses the whole file and checks every record plus store-wide
// token uniqueness. Returns the records so callers can report them.
func (s *Store) Validate(ctx context.Context) ([]Record, error) {
	recs, err := s.load(ctx)
	if err != nil {
		return nil, err
	}
	bound := map[string]string{}
	for _, r := range recs {
		if err := r.Validate(); err != nil {
			return nil, skerr.Wrapf(err, "record for service %q", r.Service)
		}
		if r.Token == LegacyToken {
			continue
		}
		if other, ok := bound[strings.ToLower(r.Token)]; ok {
			return nil, skerr.Wrapf(ErrBadConfig, "services %q and %q share a token", other, r.Service)
		}
		bound[strings.ToLower(r.Token)] = r.Service
	}
	return recs, nil
}

// write backs up the current file, then atomically replaces it with the
// serialised records. Callers hold s.mtx.
func (s *Store) write(ctx context.Context, recs []Record) error {
	sortRecords(recs)
	if err := s.backup(ctx); err != nil {
		return err
	}
	contents := serializeRecords(recs)
	if err := util.WithWriteFile(s.path, func(w io.Writer) error {
		_, err := w.Write([]byte(contents))
		return err
	}); err != nil {
		return skerr.Wrapf(err, "writing %s", s.path)
	}
	return nil
}

// backup copies the current file contents, if any, into the backup
// directory under a timestamped name.
func (s *Store) backup(ctx context.Context) error {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return skerr.Wrapf(err, "reading %s for backup", s.path)
	}
	if err := os.MkdirAll(s.backupDir, 0755); err != nil {
		return skerr.Wrapf(err, "creating backup directory %s", s.backupDir)
	}
	base := strings.TrimSuffix(filepath.Base(s.path), filepath.Ext(s.path))
	stamp := now.Now(ctx).UTC().Format(backupTimeFormat)
	dest := filepath.Join(s.backupDir, fmt.Sprintf("%s_%s.ini.bak", base, stamp))
	if err := util.WithWriteFile(dest, func(w io.Writer) error {
		_, err := w.Write(data)
		return err
	}); err != nil {
		return skerr.Wrapf(err, "writing backup %s", dest)
	}
	return nil
}

// PruneBackups removes backups whose embedded timestamp is older than the
// retention window, returning how many were removed. Files in the backup
// directory that do not carry a parseable timestamp are left alone.
func (s *Store) PruneBackups(ctx context.Context, retention time.Duration) (int, error) {
	cutoff := now.Now(ctx).UTC().Add(-retention)
	entries, err := os.ReadDir(s.backupDir)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, skerr.Wrapf(err, "reading backup directory %s", s.backupDir)
	}
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		m := backupNameRE.FindStringSubmatch(entry.Name())
		if m == nil {
			continue
		}
		stamp, err := time.Parse(backupTimeFormat, m[1])
		if err != nil || !stamp.Before(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(s.backupDir, entry.Name())); err != nil {
			return removed, skerr.Wrapf(err, "removing expired backup %s", entry.Name())
		}
		removed++
	}
	return removed, nil
}
