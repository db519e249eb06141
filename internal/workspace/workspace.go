// Package workspace はジョブごとの作業ファイル（受信元・圧縮後）の割り当てと後片付けを担います。
package workspace

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
)

const (
	inputPrefix  = "input_"
	outputPrefix = "compressed_"
	mediaExt     = ".mp4"

	// PartialSuffix は書き込み途中のファイルに付ける拡張子です。
	PartialSuffix = ".part"
)

var validID = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

// ErrorKind はワークスペースのエラー種別です。
type ErrorKind string

const (
	KindAllocationFailed ErrorKind = "allocation_failed"
)

// Error はワークスペース操作のエラーです。
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func allocationFailed(message string, err error) *Error {
	return &Error{Kind: KindAllocationFailed, Message: message, Err: err}
}

// Handle は1ジョブが専有するファイルパスの組です。
type Handle struct {
	JobID      string
	InputPath  string
	OutputPath string
}

// IsZero は割り当て済みでないハンドルかどうかを返します。
func (h Handle) IsZero() bool {
	return h.JobID == "" && h.InputPath == "" && h.OutputPath == ""
}

// Manager は2つの作業ディレクトリ上でジョブごとのファイル名を払い出します。
// 同じジョブIDを同時に2回割り当てることはできません。
type Manager struct {
	downloadDir   string
	compressedDir string

	mu     sync.Mutex
	active map[string]struct{}
}

// NewManager は Manager を作成します。ディレクトリは Allocate 時に作成されます。
func NewManager(downloadDir, compressedDir string) *Manager {
	return &Manager{
		downloadDir:   downloadDir,
		compressedDir: compressedDir,
		active:        make(map[string]struct{}),
	}
}

// Allocate はジョブ用のワークスペースを確保します。
func (m *Manager) Allocate(jobID string) (Handle, error) {
	if !validID.MatchString(jobID) {
		return Handle{}, allocationFailed(fmt.Sprintf("invalid job id %q", jobID), nil)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.active[jobID]; exists {
		return Handle{}, allocationFailed(fmt.Sprintf("job %s already owns a workspace", jobID), nil)
	}

	for _, dir := range []string{m.downloadDir, m.compressedDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return Handle{}, allocationFailed("failed to create scratch directory "+dir, err)
		}
	}

	handle := Handle{
		JobID:      jobID,
		InputPath:  filepath.Join(m.downloadDir, inputPrefix+jobID+mediaExt),
		OutputPath: filepath.Join(m.compressedDir, outputPrefix+jobID+mediaExt),
	}

	// 前回クラッシュ時の残骸があれば消しておく
	if err := removeFiles(handle); err != nil {
		return Handle{}, allocationFailed("failed to clear stale files", err)
	}

	m.active[jobID] = struct{}{}
	return handle, nil
}

// Release はワークスペースのファイルを削除し、ジョブIDを解放します。
// 何度呼んでも、未割り当てのハンドルに対して呼んでも安全です。
func (m *Manager) Release(h Handle) error {
	if h.IsZero() {
		return nil
	}

	err := removeFiles(h)

	m.mu.Lock()
	delete(m.active, h.JobID)
	m.mu.Unlock()

	return err
}

// Active は現在割り当て中のワークスペース数を返します。
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// Dirs は作業ディレクトリ（受信元, 圧縮後）を返します。
func (m *Manager) Dirs() (string, string) {
	return m.downloadDir, m.compressedDir
}

// owns はファイル名が稼働中ジョブのものかを判定します。
func (m *Manager) owns(name string) bool {
	id := jobIDFromName(name)
	if id == "" {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.active[id]
	return ok
}

func jobIDFromName(name string) string {
	name = strings.TrimSuffix(name, PartialSuffix)
	if !strings.HasSuffix(name, mediaExt) {
		return ""
	}
	name = strings.TrimSuffix(name, mediaExt)
	switch {
	case strings.HasPrefix(name, inputPrefix):
		return strings.TrimPrefix(name, inputPrefix)
	case strings.HasPrefix(name, outputPrefix):
		return strings.TrimPrefix(name, outputPrefix)
	}
	return ""
}

func removeFiles(h Handle) error {
	var errs []error
	for _, path := range []string{h.InputPath, h.OutputPath} {
		if path == "" {
			continue
		}
		for _, p := range []string{path, path + PartialSuffix} {
			if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
