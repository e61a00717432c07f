// Package backup snapshots the broker store on a timer into a rotating set
// of files, independent of the live write path.
package backup

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.yaml.in/yaml/v3"

	"possync/internal/config"
)

const (
	filePrefix   = "broker-"
	fileSuffix   = ".db"
	manifestName = "manifest.yaml"
	stampLayout  = "20060102T150405.000000000Z"
)

type Source interface {
	BackupTo(ctx context.Context, path string) error
}

type Entry struct {
	File      string    `yaml:"file"`
	CreatedAt time.Time `yaml:"created_at"`
	SizeBytes int64     `yaml:"size_bytes"`
}

type Manifest struct {
	Driver  string  `yaml:"driver"`
	Keep    int     `yaml:"keep"`
	Backups []Entry `yaml:"backups"`
}

type Scheduler struct {
	source   Source
	driver   string
	dir      string
	interval time.Duration
	keep     int
	logger   *zap.Logger
	now      func() time.Time
}

func NewScheduler(source Source, driver string, cfg config.BackupConfig, logger *zap.Logger) *Scheduler {
	keep := cfg.Keep
	if keep < 1 {
		keep = 1
	}
	return &Scheduler{
		source:   source,
		driver:   driver,
		dir:      cfg.Dir,
		interval: cfg.Interval,
		keep:     keep,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Run takes a backup every interval until ctx is cancelled. A zero interval
// disables the schedule.
func (s *Scheduler) Run(ctx context.Context) {
	if s.interval <= 0 {
		s.logger.Info("backup schedule disabled")
		return
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.BackupNow(ctx); err != nil {
				s.logger.Error("backup failed", zap.Error(err))
			}
		}
	}
}

// BackupNow writes one snapshot, prunes beyond the keep count and rewrites
// the manifest.
func (s *Scheduler) BackupNow(ctx context.Context) (Entry, error) {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return Entry{}, fmt.Errorf("creating backup dir: %w", err)
	}

	at := s.now()
	name := filePrefix + at.Format(stampLayout) + fileSuffix
	path := filepath.Join(s.dir, name)
	if err := s.source.BackupTo(ctx, path); err != nil {
		return Entry{}, fmt.Errorf("backing up to %s: %w", name, err)
	}

	info, err := os.Stat(path)
	if err != nil {
		return Entry{}, fmt.Errorf("reading backup size: %w", err)
	}
	entry := Entry{File: name, CreatedAt: at, SizeBytes: info.Size()}

	entries, err := s.rotate()
	if err != nil {
		return entry, err
	}
	if err := s.writeManifest(entries); err != nil {
		return entry, err
	}

	s.logger.Info("backup written", zap.String("file", name), zap.Int64("bytes", entry.SizeBytes), zap.Int("kept", len(entries)))
	return entry, nil
}

// rotate removes the oldest backups beyond keep and returns the survivors,
// oldest first. File names sort by creation time.
func (s *Scheduler) rotate() ([]Entry, error) {
	dirEntries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("listing backups: %w", err)
	}

	var names []string
	for _, de := range dirEntries {
		n := de.Name()
		if !de.IsDir() && strings.HasPrefix(n, filePrefix) && strings.HasSuffix(n, fileSuffix) {
			names = append(names, n)
		}
	}
	sort.Strings(names)

	for len(names) > s.keep {
		if err := os.Remove(filepath.Join(s.dir, names[0])); err != nil {
			return nil, fmt.Errorf("removing old backup %s: %w", names[0], err)
		}
		s.logger.Debug("backup rotated out", zap.String("file", names[0]))
		names = names[1:]
	}

	entries := make([]Entry, 0, len(names))
	for _, n := range names {
		info, err := os.Stat(filepath.Join(s.dir, n))
		if err != nil {
			return nil, fmt.Errorf("reading backup %s: %w", n, err)
		}
		created, err := time.Parse(stampLayout, strings.TrimSuffix(strings.TrimPrefix(n, filePrefix), fileSuffix))
		if err != nil {
			created = info.ModTime().UTC()
		}
		entries = append(entries, Entry{File: n, CreatedAt: created, SizeBytes: info.Size()})
	}
	return entries, nil
}

func (s *Scheduler) writeManifest(entries []Entry) error {
	raw, err := yaml.Marshal(Manifest{Driver: s.driver, Keep: s.keep, Backups: entries})
	if err != nil {
		return fmt.Errorf("encoding manifest: %w", err)
	}
	tmp := filepath.Join(s.dir, manifestName+".tmp")
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("writing manifest: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(s.dir, manifestName)); err != nil {
		return fmt.Errorf("replacing manifest: %w", err)
	}
	return nil
}

func ReadManifest(dir string) (Manifest, error) {
	raw, err := os.ReadFile(filepath.Join(dir, manifestName))
	if err != nil {
		return Manifest{}, fmt.Errorf("reading manifest: %w", err)
	}
	var m Manifest
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return Manifest{}, fmt.Errorf("decoding manifest: %w", err)
	}
	return m, nil
}
