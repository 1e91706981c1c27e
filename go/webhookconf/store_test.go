package webhookconf

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.skia.org/infra/go/now"
	"go.skia.org/infra/go/skerr"
)

func newStoreForTest(t *testing.T) (*Store, string) {
	dir := t.TempDir()
	path := filepath.Join(dir, "webhook-config.ini")
	return NewStore(path, filepath.Join(dir, "backups")), path
}

func testRecord(service, tok string) Record {
	return Record{
		Service:   service,
		Token:     tok,
		Alignment: "org:1",
		Fields:    "action,repository{name}",
		Template:  "PR $action$ on $repository.name$",
	}
}

func TestStore_CreateThenResolve_ByteEqual(t *testing.T) {
	ctx := context.Background()
	s, _ := newStoreForTest(t)

	rec := testRecord("github", testToken)
	require.NoError(t, s.Create(ctx, rec))

	got, err := s.Resolve(ctx, "github", testToken)
	require.NoError(t, err)
	require.Equal(t, rec, got)
}

func TestStore_Resolve_TokenCaseInsensitive(t *testing.T) {
	ctx := context.Background()
	s, _ := newStoreForTest(t)
	rec := testRecord("github", testToken)
	require.NoError(t, s.Create(ctx, rec))

	got, err := s.Resolve(ctx, "github", strings.ToLower(testToken))
	require.NoError(t, err)
	require.Equal(t, testToken, got.Token)
	require.True(t, s.TokenInUse(ctx, strings.ToUpper(testToken)))

	_, err = s.Resolve(ctx, "GITHUB", testToken)
	require.Error(t, err)
}

func TestStore_ResolveUnknown_ErrNotFound(t *testing.T) {
	ctx := context.Background()
	s, _ := newStoreForTest(t)
	require.NoError(t, s.Create(ctx, testRecord("github", testToken)))

	_, err := s.Resolve(ctx, "github", "A1b2C3d4E5f6G7h8I9j0K1l2M3n4O5p6")
	require.Error(t, err)
	require.True(t, errors.Is(skerr.Unwrap(err), ErrNotFound))

	_, err = s.Resolve(ctx, "unknown", testToken)
	require.True(t, errors.Is(skerr.Unwrap(err), ErrNotFound))
}

func TestStore_ResolveErrorMessage_DoesNotEchoToken(t *testing.T) {
	ctx := context.Background()
	s, _ := newStoreForTest(t)
	secret := "A1b2C3d4E5f6G7h8I9j0K1l2M3n4O5p6"
	_, err := s.Resolve(ctx, "github", secret)
	require.Error(t, err)
	require.NotContains(t, err.Error(), secret)
}

func TestStore_MissingFile_ReadsEmptyAndBootstraps(t *testing.T) {
	ctx := context.Background()
	s, path := newStoreForTest(t)

	recs, err := s.List(ctx)
	require.NoError(t, err)
	require.Empty(t, recs)

	require.NoError(t, s.Create(ctx, testRecord("github", testToken)))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), "[webhooks]\n")
}

func TestStore_CreateDuplicateToken_ErrTokenCollision(t *testing.T) {
	ctx := context.Background()
	s, _ := newStoreForTest(t)
	require.NoError(t, s.Create(ctx, testRecord("github", testToken)))

	err := s.Create(ctx, testRecord("stripe", testToken))
	require.Error(t, err)
	require.True(t, errors.Is(skerr.Unwrap(err), ErrTokenCollision))
}

func TestStore_LegacyTokenPerService_NoCrossServiceCollision(t *testing.T) {
	ctx := context.Background()
	s, _ := newStoreForTest(t)
	require.NoError(t, s.Create(ctx, testRecord("github", LegacyToken)))
	require.NoError(t, s.Create(ctx, testRecord("stripe", LegacyToken)))

	err := s.Create(ctx, testRecord("github", LegacyToken))
	require.Error(t, err)
	require.True(t, errors.Is(skerr.Unwrap(err), ErrTokenCollision))
}

func TestStore_CreateInvalidRecord_Rejected(t *testing.T) {
	ctx := context.Background()
	s, path := newStoreForTest(t)

	rec := testRecord("github", testToken)
	rec.Fields = "a{"
	require.Error(t, s.Create(ctx, rec))

	_, err := os.Stat(path)
	require.True(t, os.IsNotExist(err))
}

func TestStore_Update_PreservesToken(t *testing.T) {
	ctx := context.Background()
	s, _ := newStoreForTest(t)
	require.NoError(t, s.Create(ctx, testRecord("github", testToken)))

	updated, err := s.Update(ctx, "github", testToken, "device:24", "action", "now $action$")
	require.NoError(t, err)
	require.Equal(t, testToken, updated.Token)
	require.Equal(t, "device:24", updated.Alignment)

	got, err := s.Resolve(ctx, "github", testToken)
	require.NoError(t, err)
	require.Equal(t, updated, got)
}

func TestStore_UpdateUnknown_ErrNotFound(t *testing.T) {
	ctx := context.Background()
	s, _ := newStoreForTest(t)
	_, err := s.Update(ctx, "github", testToken, "", "action", "$action$")
	require.Error(t, err)
	require.True(t, errors.Is(skerr.Unwrap(err), ErrNotFound))
}

func TestStore_Delete_ReportsLastOfService(t *testing.T) {
	ctx := context.Background()
	s, _ := newStoreForTest(t)
	second := "A1b2C3d4E5f6G7h8I9j0K1l2M3n4O5p6"
	require.NoError(t, s.Create(ctx, testRecord("github", testToken)))
	require.NoError(t, s.Create(ctx, testRecord("github", second)))
	require.NoError(t, s.Create(ctx, testRecord("stripe", "Zz9Yy8Xx7Ww6Vv5Uu4Tt3Ss2Rr1Qq0Pp")))

	last, err := s.Delete(ctx, "github", testToken)
	require.NoError(t, err)
	require.False(t, last)

	last, err = s.Delete(ctx, "github", second)
	require.NoError(t, err)
	require.True(t, last)

	_, err = s.Delete(ctx, "github", second)
	require.Error(t, err)
	require.True(t, errors.Is(skerr.Unwrap(err), ErrNotFound))
}

func TestStore_ResolveRereadsFile_NoRestartNeeded(t *testing.T) {
	ctx := context.Background()
	s, path := newStoreForTest(t)
	require.NoError(t, s.Create(ctx, testRecord("github", testToken)))

	// Simulate an external edit of the file between requests.
	edited := "[webhooks]\ngithub_" + testToken + "|device:9|action|changed $action$\n"
	require.NoError(t, os.WriteFile(path, []byte(edited), 0644))

	got, err := s.Resolve(ctx, "github", testToken)
	require.NoError(t, err)
	require.Equal(t, "device:9", got.Alignment)
	require.Equal(t, "changed $action$", got.Template)
}

func TestStore_LegacyLines_NormalizedOnFirstWrite(t *testing.T) {
	ctx := context.Background()
	s, path := newStoreForTest(t)
	legacy := "[webhooks]\ngithub = action::A $action$\nstripe_" + testToken + " = type::$type$\n"
	require.NoError(t, os.WriteFile(path, []byte(legacy), 0644))

	require.NoError(t, s.Create(ctx, testRecord("netscan", "Zz9Yy8Xx7Ww6Vv5Uu4Tt3Ss2Rr1Qq0Pp")))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), "github_legacy||action|A $action$\n")
	require.Contains(t, string(data), "stripe_"+testToken+"||type|$type$\n")
	require.NotContains(t, string(data), "::")
}

func TestStore_TokenInUse(t *testing.T) {
	ctx := context.Background()
	s, _ := newStoreForTest(t)
	require.NoError(t, s.Create(ctx, testRecord("github", testToken)))
	require.True(t, s.TokenInUse(ctx, testToken))
	require.False(t, s.TokenInUse(ctx, "A1b2C3d4E5f6G7h8I9j0K1l2M3n4O5p6"))
}

func TestStore_WriteCreatesTimestampedBackup(t *testing.T) {
	ctx := now.TimeTravelingContext(time.Date(2025, 8, 14, 15, 30, 12, 0, time.UTC))
	s, _ := newStoreForTest(t)

	// First write has nothing to back up.
	require.NoError(t, s.Create(ctx, testRecord("github", testToken)))
	_, err := os.ReadDir(s.backupDir)
	require.True(t, os.IsNotExist(err))

	require.NoError(t, s.Create(ctx, testRecord("stripe", "A1b2C3d4E5f6G7h8I9j0K1l2M3n4O5p6")))
	entries, err := os.ReadDir(s.backupDir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "webhook-config_20250814_153012.ini.bak", entries[0].Name())

	// The backup holds the pre-image.
	data, err := os.ReadFile(filepath.Join(s.backupDir, entries[0].Name()))
	require.NoError(t, err)
	require.Contains(t, string(data), "github_"+testToken)
	require.NotContains(t, string(data), "stripe")
}

func TestStore_PruneBackups_RemovesOnlyExpired(t *testing.T) {
	ctx := now.TimeTravelingContext(time.Date(2025, 8, 14, 12, 0, 0, 0, time.UTC))
	s, _ := newStoreForTest(t)
	require.NoError(t, os.MkdirAll(s.backupDir, 0755))

	old := "webhook-config_20250601_120000.ini.bak"
	fresh := "webhook-config_20250810_120000.ini.bak"
	foreign := "notes.txt"
	for _, name := range []string{old, fresh, foreign} {
		require.NoError(t, os.WriteFile(filepath.Join(s.backupDir, name), []byte("x"), 0644))
	}

	removed, err := s.PruneBackups(ctx, 30*24*time.Hour)
	require.NoError(t, err)
	require.Equal(t, 1, removed)

	_, err = os.Stat(filepath.Join(s.backupDir, old))
	require.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(s.backupDir, fresh))
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(s.backupDir, foreign))
	require.NoError(t, err)
}

func TestStore_Validate_SharedTokenAcrossServices_ErrBadConfig(t *testing.T) {
	ctx := context.Background()
	s, path := newStoreForTest(t)
	data := "[webhooks]\n" +
		"github_" + testToken + "||action|$action$\n" +
		"stripe_" + testToken + "||type|$type$\n"
	require.NoError(t, os.WriteFile(path, []byte(data), 0644))

	_, err := s.Validate(ctx)
	require.Error(t, err)
	require.True(t, errors.Is(skerr.Unwrap(err), ErrBadConfig))
}

func TestStore_Validate_ReturnsRecords(t *testing.T) {
	ctx := context.Background()
	s, _ := newStoreForTest(t)
	require.NoError(t, s.Create(ctx, testRecord("github", testToken)))
	recs, err := s.Validate(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 1)
}

func TestStore_CancelledContext_Fails(t *testing.T) {
	s, _ := newStoreForTest(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.Resolve(ctx, "github", testToken)
	require.Error(t, err)
}

func TestStore_ConcurrentResolvesDuringWrites_NeverTorn(t *testing.T) {
	ctx := context.Background()
	s, _ := newStoreForTest(t)
	require.NoError(t, s.Create(ctx, testRecord("github", testToken)))

	writerErr := make(chan error, 1)
	go func() {
		for i := 0; i < 20; i++ {
			tok := fmt.Sprintf("%032d", i)
			if err := s.Create(ctx, testRecord("bulk", tok)); err != nil {
				writerErr <- err
				return
			}
		}
		writerErr <- nil
	}()

	for {
		select {
		case err := <-writerErr:
			require.NoError(t, err)
			recs, err := s.List(ctx)
			require.NoError(t, err)
			require.Len(t, recs, 21)
			return
		default:
			got, err := s.Resolve(ctx, "github", testToken)
			require.NoError(t, err)
			require.Equal(t, testToken, got.Token)
		}
	}
}
