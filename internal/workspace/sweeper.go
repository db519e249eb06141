package workspace

import (
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Sweeper はクラッシュ等で取り残された古い作業ファイルを定期的に削除します。
// 稼働中ジョブのファイルには触れません。
type Sweeper struct {
	manager  *Manager
	interval time.Duration
	maxAge   time.Duration
	logger   *log.Logger
	now      func() time.Time

	started  bool
	stopOnce sync.Once
	stopChan chan struct{}
	done     chan struct{}
}

// NewSweeper は Sweeper を作成します。
func NewSweeper(manager *Manager, interval, maxAge time.Duration, logger *log.Logger) *Sweeper {
	if logger == nil {
		logger = log.Default()
	}
	return &Sweeper{
		manager:  manager,
		interval: interval,
		maxAge:   maxAge,
		logger:   logger,
		now:      time.Now,
		stopChan: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start は起動時に1回掃除を行い、その後 interval ごとに繰り返します。
func (s *Sweeper) Start() {
	s.started = true
	s.Sweep()

	if s.interval <= 0 {
		close(s.done)
		return
	}

	ticker := time.NewTicker(s.interval)
	go func() {
		defer close(s.done)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.Sweep()
			case <-s.stopChan:
				return
			}
		}
	}()

	s.logger.Printf("workspace sweeper started (interval: %s, max age: %s)", s.interval, s.maxAge)
}

// Stop は定期実行を止めます。
func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopChan)
	})
	if s.started {
		<-s.done
	}
}

// Sweep は両方の作業ディレクトリを走査し、削除したファイル数を返します。
func (s *Sweeper) Sweep() int {
	now := s.now()
	downloadDir, compressedDir := s.manager.Dirs()

	var deletedCount int
	var deletedSize int64
	for _, dir := range []string{downloadDir, compressedDir} {
		entries, err := os.ReadDir(dir)
		if err != nil {
			if !os.IsNotExist(err) {
				s.logger.Printf("sweeper failed to read %s: %v", dir, err)
			}
			continue
		}
		for _, entry := range entries {
			if entry.IsDir() || s.manager.owns(entry.Name()) {
				continue
			}
			info, err := entry.Info()
			if err != nil {
				continue
			}
			if now.Sub(info.ModTime()) <= s.maxAge {
				continue
			}
			path := filepath.Join(dir, entry.Name())
			if err := os.Remove(path); err != nil {
				s.logger.Printf("sweeper failed to delete %s: %v", path, err)
				continue
			}
			deletedCount++
			deletedSize += info.Size()
		}
	}

	if deletedCount > 0 {
		s.logger.Printf("sweeper removed %d orphaned files, %.2fMB freed",
			deletedCount, float64(deletedSize)/(1024*1024))
	}
	return deletedCount
}
