// Package store 房間的持久化：append-only 事件日誌 + 定期快照
//
// 系統設計問題：
//
// 問題 1：為什麼同時需要事件日誌與快照？
//   只有快照：崩潰時最後一次快照之後的變更全部遺失
//   只有日誌：載入時必須從頭重播，成本隨對局長度線性增長
//   兩層恢復：快照界定起點，只重播快照之後的日誌尾段（stateVersion > 快照版本）
//   snapshotEvery（預設 20）控制寫入成本與重播成本的取捨
//
// 問題 2：如何保證快照不會寫到一半？
//   先寫入唯一命名的暫存檔（pid + 時間戳 + 隨機後綴），fsync 後 rename 覆蓋正式路徑
//   rename 是原子邊界：rename 前崩潰，舊快照完好無損
//
// 問題 3：管理員刪除房間後，記憶體中殘留的 Room 仍在寫入怎麼辦？
//   房間目錄不存在時，寫入一律視為靜默的 no-op（除非明確允許建立目錄）
//   寫入過程中遇到 ENOENT 同樣吞掉：被刪除的房間絕不會「復活」
//
// 佈局：
//
//	<root>/<roomId>/<roomId>.snapshot.json
//	<root>/<roomId>/<roomId>.events.jsonl
package store

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"time"

	"github.com/koopa0/system-design/14-lasca-sync/internal/game"
	apperrors "github.com/koopa0/system-design/14-lasca-sync/pkg/errors"
)

// SupportedRulesVersion 唯一支援的規則版本；不符者載入失敗，不做舊版相容重播
const SupportedRulesVersion = "v1"

// DefaultSnapshotEvery 預設每 20 個版本寫一次快照
const DefaultSnapshotEvery = 20

var roomIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// ValidRoomID 房間 ID 是否可安全用於路徑
func ValidRoomID(roomID string) bool {
	return roomIDPattern.MatchString(roomID)
}

// Settings 房間建立時決定、之後不變的設定
type Settings struct {
	Rules             game.Rules       `json:"rules"`
	Visibility        game.Visibility  `json:"visibility"`
	WatchToken        string           `json:"watchToken,omitempty"`
	TimeControl       game.TimeControl `json:"timeControl"`
	DisconnectGraceMs int64            `json:"disconnectGraceMs"`
}

// RoomMeta 快照中的房間中繼資料
type RoomMeta struct {
	RoomID       string `json:"roomId"`
	VariantID    string `json:"variantId"`
	RulesVersion string `json:"rulesVersion"`
	CreatedAt    int64  `json:"createdAt"`
	UpdatedAt    int64  `json:"updatedAt"`

	Players     map[string]game.Color `json:"players"`
	ColorsTaken []game.Color          `json:"colorsTaken"`
	Identity    map[string]string     `json:"identity,omitempty"`

	Settings

	Presence            map[string]game.PresenceEntry `json:"presence,omitempty"`
	Clock               *game.ClockState              `json:"clock,omitempty"`
	LastGameOverVersion int64                         `json:"lastGameOverVersion,omitempty"`
}

// SnapshotFile 自足的時間點檢查點
type SnapshotFile struct {
	Meta     RoomMeta          `json:"meta"`
	Snapshot game.WireSnapshot `json:"snapshot"`
}

// WriteOptions 寫入選項
type WriteOptions struct {
	// AllowCreateRoomDir 房間目錄不存在時建立它（只有建立房間時使用）
	AllowCreateRoomDir bool
}

// Store 檔案系統上的房間持久化
type Store struct {
	root    string
	logger  *slog.Logger
	verbose bool
}

// Option Store 選項
type Option func(*Store)

// WithVerbose 每次寫入都以 info 級別記錄
func WithVerbose(verbose bool) Option {
	return func(s *Store) {
		s.verbose = verbose
	}
}

// New 創建 Store，必要時建立根目錄
func New(root string, logger *slog.Logger, opts ...Option) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create data root: %w", err)
	}
	s := &Store{root: root, logger: logger}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Root 資料根目錄
func (s *Store) Root() string {
	return s.root
}

func (s *Store) roomDir(roomID string) string {
	return filepath.Join(s.root, roomID)
}

func (s *Store) snapshotPath(roomID string) string {
	return filepath.Join(s.roomDir(roomID), roomID+".snapshot.json")
}

func (s *Store) eventsPath(roomID string) string {
	return filepath.Join(s.roomDir(roomID), roomID+".events.jsonl")
}

func checkRoomID(roomID string) error {
	if !ValidRoomID(roomID) {
		return apperrors.ErrValidation.WithDetails(fmt.Sprintf("invalid room id %q", roomID))
	}
	return nil
}

// prepareDir 確認房間目錄；回傳 false 代表目錄已被刪除，呼叫端應直接略過
func (s *Store) prepareDir(roomID string, opts WriteOptions) (bool, error) {
	dir := s.roomDir(roomID)
	if opts.AllowCreateRoomDir {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return false, fmt.Errorf("create room dir: %w", err)
		}
		return true, nil
	}
	if _, err := os.Stat(dir); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("stat room dir: %w", err)
	}
	return true, nil
}

func (s *Store) logWrite(msg string, args ...any) {
	if s.verbose {
		s.logger.Info(msg, args...)
		return
	}
	s.logger.Debug(msg, args...)
}

// AppendEvent 追加一行事件
func (s *Store) AppendEvent(roomID string, ev Event, opts WriteOptions) error {
	if err := checkRoomID(roomID); err != nil {
		return err
	}

	ok, err := s.prepareDir(roomID, opts)
	if err != nil {
		return err
	}
	if !ok {
		s.logger.Debug("room dir missing, skip append", "room_id", roomID)
		return nil
	}

	line, err := EncodeEvent(ev)
	if err != nil {
		return err
	}
	line = append(line, '\n')

	f, err := os.OpenFile(s.eventsPath(roomID), os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("open event log: %w", err)
	}

	// 上一次寫入若只寫了一半，新事件不能接在殘行後面
	dropped, err := trimTornTail(f)
	if err != nil {
		f.Close()
		return fmt.Errorf("repair event log: %w", err)
	}
	if dropped > 0 {
		s.logger.Warn("dropped torn event log tail", "room_id", roomID, "bytes", dropped)
	}

	_, werr := f.Write(line)
	if werr == nil {
		werr = f.Sync()
	}
	cerr := f.Close()
	if werr != nil && !errors.Is(werr, fs.ErrNotExist) {
		return fmt.Errorf("append event: %w", werr)
	}
	if cerr != nil && !errors.Is(cerr, fs.ErrNotExist) {
		return fmt.Errorf("close event log: %w", cerr)
	}

	h := ev.EventHeader()
	s.logWrite("event appended", "room_id", roomID, "state_version", h.StateVersion, "type", fmt.Sprintf("%T", ev))
	return nil
}

// WriteSnapshotAtomic 寫暫存檔後 rename 覆蓋快照
func (s *Store) WriteSnapshotAtomic(roomID string, file SnapshotFile, opts WriteOptions) error {
	if err := checkRoomID(roomID); err != nil {
		return err
	}

	ok, err := s.prepareDir(roomID, opts)
	if err != nil {
		return err
	}
	if !ok {
		s.logger.Debug("room dir missing, skip snapshot", "room_id", roomID)
		return nil
	}

	data, err := json.Marshal(file)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	tmp := fmt.Sprintf("%s.%d.%d.%s.tmp", s.snapshotPath(roomID), os.Getpid(), time.Now().UnixNano(), randomSuffix())
	if err := writeFileSync(tmp, data); err != nil {
		_ = os.Remove(tmp)
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("write snapshot temp: %w", err)
	}

	if err := os.Rename(tmp, s.snapshotPath(roomID)); err != nil {
		_ = os.Remove(tmp)
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("rename snapshot: %w", err)
	}

	s.logWrite("snapshot written", "room_id", roomID, "state_version", file.Snapshot.StateVersion)
	return nil
}

// trimTornTail 截掉最後一個換行之後的內容，並把寫入位置移到檔尾；回傳截掉的位元組數
func trimTornTail(f *os.File) (int64, error) {
	info, err := f.Stat()
	if err != nil {
		return 0, err
	}
	size := info.Size()
	if size == 0 {
		return 0, nil
	}

	last := make([]byte, 1)
	if _, err := f.ReadAt(last, size-1); err != nil {
		return 0, err
	}
	if last[0] == '\n' {
		_, err := f.Seek(0, io.SeekEnd)
		return 0, err
	}

	data, err := io.ReadAll(io.NewSectionReader(f, 0, size))
	if err != nil {
		return 0, err
	}
	keep := int64(bytes.LastIndexByte(data, '\n') + 1)
	return size - keep, truncateAt(f, keep)
}

func truncateAt(f *os.File, offset int64) error {
	if err := f.Truncate(offset); err != nil {
		return err
	}
	_, err := f.Seek(offset, io.SeekStart)
	return err
}

// truncateEventLog 把日誌截斷在 offset（載入時移除壞掉的最後一行）
func (s *Store) truncateEventLog(roomID string, offset int64) error {
	f, err := os.OpenFile(s.eventsPath(roomID), os.O_RDWR, 0o644)
	if err != nil {
		return err
	}
	if err := truncateAt(f, offset); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func writeFileSync(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func randomSuffix() string {
	b := make([]byte, 4)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// RoomExists 房間目錄是否存在
func (s *Store) RoomExists(roomID string) bool {
	if !ValidRoomID(roomID) {
		return false
	}
	info, err := os.Stat(s.roomDir(roomID))
	return err == nil && info.IsDir()
}

// ListRoomIDs 列出所有含有快照或日誌的房間，依 ID 排序
func (s *Store) ListRoomIDs() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("list rooms: %w", err)
	}

	var ids []string
	for _, e := range entries {
		if !e.IsDir() || !ValidRoomID(e.Name()) {
			continue
		}
		if fileExists(s.snapshotPath(e.Name())) || fileExists(s.eventsPath(e.Name())) {
			ids = append(ids, e.Name())
		}
	}
	slices.Sort(ids)
	return ids, nil
}

// DeleteRoom 刪除房間目錄；之後對該房間的寫入都成為 no-op
func (s *Store) DeleteRoom(roomID string) error {
	if err := checkRoomID(roomID); err != nil {
		return err
	}
	if !s.RoomExists(roomID) {
		return apperrors.Newf(apperrors.CodeRoomNotFound, "room %s not found", roomID)
	}
	if err := os.RemoveAll(s.roomDir(roomID)); err != nil {
		return fmt.Errorf("delete room: %w", err)
	}
	s.logger.Info("room directory deleted", "room_id", roomID)
	return nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
