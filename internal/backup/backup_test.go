package backup

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/filecoin-project/go-clock"

	"github.com/dukerupert/gflix/internal/database"
)

// mockS3Client implements s3Client for testing.
type mockS3Client struct {
	mu       sync.Mutex
	objects  map[string][]byte
	pageSize int
	putErr   error
	getErr   error
	delErr   error
}

func newMockS3() *mockS3Client {
	return &mockS3Client{objects: make(map[string][]byte)}
}

func (m *mockS3Client) PutObject(_ context.Context, input *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if m.putErr != nil {
		return nil, m.putErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	data, _ := io.ReadAll(input.Body)
	m.objects[*input.Key] = data
	return &s3.PutObjectOutput{}, nil
}

func (m *mockS3Client) GetObject(_ context.Context, input *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	if m.getErr != nil {
		return nil, m.getErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[*input.Key]
	if !ok {
		return nil, &s3NotFound{}
	}
	return &s3.GetObjectOutput{
		Body: io.NopCloser(bytes.NewReader(data)),
	}, nil
}

func (m *mockS3Client) DeleteObject(_ context.Context, input *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	if m.delErr != nil {
		return nil, m.delErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, *input.Key)
	return &s3.DeleteObjectOutput{}, nil
}

// ListObjectsV2 pages through keys in lexical order, pageSize at a time when set.
func (m *mockS3Client) ListObjectsV2(_ context.Context, input *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var keys []string
	for k := range m.objects {
		if strings.HasPrefix(k, aws.ToString(input.Prefix)) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	start := 0
	if input.ContinuationToken != nil {
		start = sort.SearchStrings(keys, *input.ContinuationToken)
	}
	end := len(keys)
	if m.pageSize > 0 && start+m.pageSize < end {
		end = start + m.pageSize
	}

	out := &s3.ListObjectsV2Output{}
	for _, k := range keys[start:end] {
		out.Contents = append(out.Contents, types.Object{
			Key:  aws.String(k),
			Size: aws.Int64(int64(len(m.objects[k]))),
		})
	}
	if end < len(keys) {
		out.IsTruncated = aws.Bool(true)
		out.NextContinuationToken = aws.String(keys[end])
	}
	return out, nil
}

type s3NotFound struct{}

func (e *s3NotFound) Error() string { return "NoSuchKey" }

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func setupManager(t *testing.T) (*Manager, *mockS3Client, *clock.Mock, *sql.DB) {
	t.Helper()
	db, err := database.Open(filepath.Join(t.TempDir(), "gflix.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	clk := clock.NewMock()
	clk.Set(testNow)
	mock := newMockS3()
	m := NewManager(Config{
		S3:         S3Config{Bucket: "ledger-backups"},
		Passphrase: "correct horse",
		Retention:  7 * 24 * time.Hour,
	}, db, slog.New(slog.NewTextHandler(io.Discard, nil)), WithClock(clk))
	m.client = mock
	return m, mock, clk, db
}

func TestManagerDisabled(t *testing.T) {
	m := NewManager(Config{}, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if m.Enabled() {
		t.Fatal("manager without bucket should be disabled")
	}
	if _, err := m.Run(context.Background()); !errors.Is(err, ErrDisabled) {
		t.Errorf("Run error = %v, want ErrDisabled", err)
	}
	if err := m.Restore(context.Background(), "ledger/x", filepath.Join(t.TempDir(), "x.db")); !errors.Is(err, ErrDisabled) {
		t.Errorf("Restore error = %v, want ErrDisabled", err)
	}

	configured := NewManager(Config{
		S3:         S3Config{Bucket: "b", AccessKey: "key", SecretKey: "secret"},
		Passphrase: "p",
	}, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if !configured.Enabled() {
		t.Error("manager with bucket, credentials and passphrase should be enabled")
	}
}

func TestRunAndRestore(t *testing.T) {
	m, mock, _, db := setupManager(t)
	ctx := context.Background()

	if _, err := db.Exec(
		`INSERT INTO accounts (email, name, password_hash, trial_expires_at) VALUES (?, ?, ?, ?)`,
		"ama@example.com", "Ama", "hash", testNow.Add(24*time.Hour),
	); err != nil {
		t.Fatalf("insert account: %v", err)
	}

	snap, err := m.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if snap.Key != "ledger/ledger-20260301T120000Z.db.enc" {
		t.Errorf("key = %q", snap.Key)
	}
	if !snap.CreatedAt.Equal(testNow) {
		t.Errorf("created at = %v, want %v", snap.CreatedAt, testNow)
	}
	stored := mock.objects[snap.Key]
	if int64(len(stored)) != snap.Size {
		t.Errorf("size = %d, stored %d bytes", snap.Size, len(stored))
	}
	if bytes.Contains(stored, []byte("SQLite format 3")) {
		t.Error("uploaded snapshot is not encrypted")
	}

	target := filepath.Join(t.TempDir(), "restored.db")
	if err := m.Restore(ctx, snap.Key, target); err != nil {
		t.Fatalf("Restore: %v", err)
	}

	restored, err := sql.Open("sqlite", target)
	if err != nil {
		t.Fatalf("open restored: %v", err)
	}
	defer restored.Close()
	var email string
	if err := restored.QueryRow(`SELECT email FROM accounts`).Scan(&email); err != nil {
		t.Fatalf("query restored: %v", err)
	}
	if email != "ama@example.com" {
		t.Errorf("restored email = %q", email)
	}
}

func TestRestoreRefusesExistingTarget(t *testing.T) {
	m, _, _, _ := setupManager(t)
	ctx := context.Background()

	snap, err := m.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	target := filepath.Join(t.TempDir(), "existing.db")
	if err := os.WriteFile(target, []byte("keep me"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := m.Restore(ctx, snap.Key, target); !errors.Is(err, ErrTargetExists) {
		t.Fatalf("Restore error = %v, want ErrTargetExists", err)
	}
	data, _ := os.ReadFile(target)
	if string(data) != "keep me" {
		t.Error("existing target was modified")
	}
}

func TestRestoreWrongPassphrase(t *testing.T) {
	m, _, _, _ := setupManager(t)
	ctx := context.Background()

	snap, err := m.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	m.cfg.Passphrase = "wrong"
	target := filepath.Join(t.TempDir(), "restored.db")
	if err := m.Restore(ctx, snap.Key, target); err == nil {
		t.Fatal("expected error for wrong passphrase")
	}
	if _, err := os.Stat(target); !os.IsNotExist(err) {
		t.Error("target should not exist after failed restore")
	}
}

func TestRestoreRejectsCorruptDatabase(t *testing.T) {
	m, mock, _, _ := setupManager(t)
	sealed, err := Seal([]byte("definitely not a database file"), m.cfg.Passphrase)
	if err != nil {
		t.Fatal(err)
	}
	mock.objects["ledger/ledger-20260301T000000Z.db.enc"] = sealed

	target := filepath.Join(t.TempDir(), "restored.db")
	if err := m.Restore(context.Background(), "ledger/ledger-20260301T000000Z.db.enc", target); err == nil {
		t.Fatal("expected integrity error")
	}
	if _, err := os.Stat(target); !os.IsNotExist(err) {
		t.Error("target should not exist after failed restore")
	}
}

func TestRunUploadError(t *testing.T) {
	m, mock, _, _ := setupManager(t)
	mock.putErr = errors.New("bucket unavailable")

	if _, err := m.Run(context.Background()); err == nil {
		t.Fatal("expected upload error")
	}
}

func TestListNewestFirstAcrossPages(t *testing.T) {
	m, mock, clk, _ := setupManager(t)
	mock.pageSize = 2
	mock.objects["ledger/notes.txt"] = []byte("ignored")

	for i := 0; i < 5; i++ {
		if _, err := m.Run(context.Background()); err != nil {
			t.Fatalf("Run %d: %v", i, err)
		}
		clk.Add(time.Hour)
	}

	snapshots, err := m.List(context.Background())
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(snapshots) != 5 {
		t.Fatalf("len = %d, want 5", len(snapshots))
	}
	for i := 1; i < len(snapshots); i++ {
		if !snapshots[i-1].CreatedAt.After(snapshots[i].CreatedAt) {
			t.Fatalf("snapshots not newest first: %v before %v", snapshots[i-1].CreatedAt, snapshots[i].CreatedAt)
		}
	}
	if !snapshots[0].CreatedAt.Equal(testNow.Add(4 * time.Hour)) {
		t.Errorf("newest = %v", snapshots[0].CreatedAt)
	}
}

func TestPrune(t *testing.T) {
	m, mock, clk, _ := setupManager(t)
	ctx := context.Background()

	old, _ := m.Run(ctx)
	clk.Add(3 * 24 * time.Hour)
	recent, _ := m.Run(ctx)
	clk.Add(6 * 24 * time.Hour)

	deleted, err := m.Prune(ctx)
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if deleted != 1 {
		t.Errorf("deleted = %d, want 1", deleted)
	}
	if _, ok := mock.objects[old.Key]; ok {
		t.Error("snapshot past retention should be deleted")
	}
	if _, ok := mock.objects[recent.Key]; !ok {
		t.Error("snapshot inside retention should be kept")
	}
}

func TestPruneKeepsNewest(t *testing.T) {
	m, mock, clk, _ := setupManager(t)
	ctx := context.Background()

	only, _ := m.Run(ctx)
	clk.Add(365 * 24 * time.Hour)

	deleted, err := m.Prune(ctx)
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if deleted != 0 {
		t.Errorf("deleted = %d, want 0", deleted)
	}
	if _, ok := mock.objects[only.Key]; !ok {
		t.Error("newest snapshot should never be pruned")
	}
}

func TestPruneDeleteError(t *testing.T) {
	m, mock, clk, _ := setupManager(t)
	ctx := context.Background()

	m.Run(ctx)
	clk.Add(time.Hour)
	m.Run(ctx)
	clk.Add(30 * 24 * time.Hour)
	mock.delErr = errors.New("access denied")

	if _, err := m.Prune(ctx); err == nil {
		t.Fatal("expected delete error")
	}
}

func TestParseKeyTime(t *testing.T) {
	tests := []struct {
		key  string
		ok   bool
		want time.Time
	}{
		{"ledger/ledger-20260301T120000Z.db.enc", true, testNow},
		{"ledger/ledger-garbage.db.enc", false, time.Time{}},
		{"ledger/notes.txt", false, time.Time{}},
		{"other/ledger-20260301T120000Z.db.enc", false, time.Time{}},
	}
	for _, tt := range tests {
		got, ok := parseKeyTime(tt.key)
		if ok != tt.ok || !got.Equal(tt.want) {
			t.Errorf("parseKeyTime(%q) = %v, %v; want %v, %v", tt.key, got, ok, tt.want, tt.ok)
		}
	}
}
