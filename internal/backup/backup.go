package backup

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/filecoin-project/go-clock"

	_ "modernc.org/sqlite"
)

// s3Client is an interface for testability.
type s3Client interface {
	PutObject(ctx context.Context, input *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, input *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, input *s3.DeleteObjectInput, opts ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, input *s3.ListObjectsV2Input, opts ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// S3Config holds S3-compatible storage configuration.
type S3Config struct {
	Endpoint  string
	Bucket    string
	Region    string
	AccessKey string
	SecretKey string
}

type Config struct {
	S3         S3Config
	Passphrase string
	// Retention is how long snapshots are kept before Prune removes them.
	Retention time.Duration
}

const (
	keyPrefix   = "ledger/"
	keySuffix   = ".db.enc"
	keyTimeForm = "20060102T150405Z"
)

var (
	ErrDisabled     = errors.New("ledger snapshots are not configured")
	ErrTargetExists = errors.New("restore target already exists")
)

// Snapshot describes one encrypted ledger snapshot in the bucket.
type Snapshot struct {
	Key       string    `json:"key"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"created_at"`
}

// Manager takes encrypted point-in-time copies of the ledger database and keeps them
// in S3-compatible storage.
type Manager struct {
	cfg    Config
	db     *sql.DB
	client s3Client
	clock  clock.Clock
	logger *slog.Logger
}

type Option func(*Manager)

func WithClock(c clock.Clock) Option {
	return func(m *Manager) { m.clock = c }
}

// NewManager returns a manager. It is disabled when no bucket or credentials are configured.
func NewManager(cfg Config, db *sql.DB, logger *slog.Logger, opts ...Option) *Manager {
	m := &Manager{cfg: cfg, db: db, clock: clock.New(), logger: logger}
	for _, opt := range opts {
		opt(m)
	}
	if cfg.S3.Bucket != "" && cfg.S3.AccessKey != "" && cfg.S3.SecretKey != "" {
		m.client = newS3Client(cfg.S3)
	}
	return m
}

func newS3Client(cfg S3Config) *s3.Client {
	opts := s3.Options{
		Region:       cfg.Region,
		Credentials:  credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		UsePathStyle: true,
	}
	if cfg.Endpoint != "" {
		opts.BaseEndpoint = aws.String(cfg.Endpoint)
	}
	return s3.New(opts)
}

func (m *Manager) Enabled() bool {
	return m.client != nil && m.cfg.Passphrase != ""
}

// Run snapshots the database with VACUUM INTO, seals the copy and uploads it.
func (m *Manager) Run(ctx context.Context) (*Snapshot, error) {
	if !m.Enabled() {
		return nil, ErrDisabled
	}
	started := m.clock.Now().UTC()

	dir, err := os.MkdirTemp("", "gflix-snapshot-*")
	if err != nil {
		return nil, fmt.Errorf("create temp dir: %w", err)
	}
	defer os.RemoveAll(dir)

	path := filepath.Join(dir, "ledger.db")
	if _, err := m.db.ExecContext(ctx, `VACUUM INTO ?`, path); err != nil {
		return nil, fmt.Errorf("vacuum into snapshot: %w", err)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	sealed, err := Seal(raw, m.cfg.Passphrase)
	if err != nil {
		return nil, err
	}

	key := keyPrefix + "ledger-" + started.Format(keyTimeForm) + keySuffix
	if _, err := m.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(m.cfg.S3.Bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(sealed),
		ContentLength: aws.Int64(int64(len(sealed))),
	}); err != nil {
		return nil, fmt.Errorf("upload snapshot: %w", err)
	}

	m.logger.Info("ledger snapshot uploaded", "key", key, "bytes", len(sealed))
	return &Snapshot{Key: key, Size: int64(len(sealed)), CreatedAt: started}, nil
}

// List returns every snapshot in the bucket, newest first.
func (m *Manager) List(ctx context.Context) ([]Snapshot, error) {
	if !m.Enabled() {
		return nil, ErrDisabled
	}
	var snapshots []Snapshot
	var token *string
	for {
		out, err := m.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(m.cfg.S3.Bucket),
			Prefix:            aws.String(keyPrefix),
			ContinuationToken: token,
		})
		if err != nil {
			return nil, fmt.Errorf("list snapshots: %w", err)
		}
		for _, obj := range out.Contents {
			key := aws.ToString(obj.Key)
			created, ok := parseKeyTime(key)
			if !ok {
				continue
			}
			snapshots = append(snapshots, Snapshot{Key: key, Size: aws.ToInt64(obj.Size), CreatedAt: created})
		}
		if !aws.ToBool(out.IsTruncated) || out.NextContinuationToken == nil {
			break
		}
		token = out.NextContinuationToken
	}
	sort.Slice(snapshots, func(i, j int) bool {
		return snapshots[i].CreatedAt.After(snapshots[j].CreatedAt)
	})
	return snapshots, nil
}

// Prune deletes snapshots older than the retention window. The newest snapshot is
// always kept.
func (m *Manager) Prune(ctx context.Context) (int, error) {
	snapshots, err := m.List(ctx)
	if err != nil {
		return 0, err
	}
	if m.cfg.Retention <= 0 || len(snapshots) <= 1 {
		return 0, nil
	}
	cutoff := m.clock.Now().Add(-m.cfg.Retention)

	deleted := 0
	for _, snap := range snapshots[1:] {
		if !snap.CreatedAt.Before(cutoff) {
			continue
		}
		if _, err := m.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(m.cfg.S3.Bucket),
			Key:    aws.String(snap.Key),
		}); err != nil {
			return deleted, fmt.Errorf("delete snapshot %s: %w", snap.Key, err)
		}
		deleted++
	}
	if deleted > 0 {
		m.logger.Info("ledger snapshots pruned", "deleted", deleted)
	}
	return deleted, nil
}

// Restore downloads a snapshot, opens it and writes the database to target after an
// integrity check. It refuses to overwrite an existing file.
func (m *Manager) Restore(ctx context.Context, key, target string) error {
	if !m.Enabled() {
		return ErrDisabled
	}
	if _, err := os.Stat(target); err == nil {
		return ErrTargetExists
	}

	out, err := m.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(m.cfg.S3.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("download snapshot: %w", err)
	}
	sealed, err := io.ReadAll(out.Body)
	out.Body.Close()
	if err != nil {
		return fmt.Errorf("read snapshot: %w", err)
	}
	raw, err := Open(sealed, m.cfg.Passphrase)
	if err != nil {
		return err
	}

	tmp := target + ".restore"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return fmt.Errorf("write restored database: %w", err)
	}
	if err := integrityCheck(ctx, tmp); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, target); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("move restored database: %w", err)
	}
	m.logger.Info("ledger snapshot restored", "key", key, "target", target)
	return nil
}

func integrityCheck(ctx context.Context, path string) error {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return fmt.Errorf("open restored database: %w", err)
	}
	defer db.Close()

	var result string
	if err := db.QueryRowContext(ctx, `PRAGMA integrity_check`).Scan(&result); err != nil {
		return fmt.Errorf("integrity check: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("integrity check failed: %s", result)
	}
	return nil
}

func parseKeyTime(key string) (time.Time, bool) {
	name := strings.TrimPrefix(key, keyPrefix+"ledger-")
	if name == key || !strings.HasSuffix(name, keySuffix) {
		return time.Time{}, false
	}
	t, err := time.Parse(keyTimeForm, strings.TrimSuffix(name, keySuffix))
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}
