package store

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"maps"
	"os"
	"slices"

	"github.com/koopa0/system-design/14-lasca-sync/internal/game"
	apperrors "github.com/koopa0/system-design/14-lasca-sync/pkg/errors"
)

// LoadedRoom 由快照 + 日誌尾段還原的房間
type LoadedRoom struct {
	Meta         RoomMeta
	State        game.GameState
	History      *game.History
	StateVersion int64

	// FromSnapshot 是否讀到快照
	FromSnapshot bool
	// Replayed 重播的事件數
	Replayed int
	// Skipped 略過的未知或殘缺事件數
	Skipped int
}

type replay struct {
	meta    RoomMeta
	wire    game.WireSnapshot
	hasBase bool
	version int64
}

// TryLoadRoom 載入房間；快照與日誌都不存在時回傳 (nil, nil)
//
// 步驟：
//  1. 讀取快照（若存在）作為基準
//  2. 驗證變體 ID 一致、規則版本受支援
//  3. 依檔案順序重播 stateVersion 大於基準的事件
//
// 日誌最後一行若殘缺，會被截掉。
func (s *Store) TryLoadRoom(roomID string) (*LoadedRoom, error) {
	return s.load(roomID, true)
}

// PeekRoom 與 TryLoadRoom 相同但不修改任何檔案；房間可能正被寫入時使用
func (s *Store) PeekRoom(roomID string) (*LoadedRoom, error) {
	return s.load(roomID, false)
}

func (s *Store) load(roomID string, repair bool) (*LoadedRoom, error) {
	if err := checkRoomID(roomID); err != nil {
		return nil, err
	}

	snapData, snapErr := os.ReadFile(s.snapshotPath(roomID))
	if snapErr != nil && !errors.Is(snapErr, fs.ErrNotExist) {
		return nil, fmt.Errorf("read snapshot: %w", snapErr)
	}
	logData, logErr := os.ReadFile(s.eventsPath(roomID))
	if logErr != nil && !errors.Is(logErr, fs.ErrNotExist) {
		return nil, fmt.Errorf("read event log: %w", logErr)
	}
	if snapErr != nil && logErr != nil {
		return nil, nil
	}

	var rp replay
	loaded := &LoadedRoom{}

	// 1-2. 快照
	if snapErr == nil {
		var file SnapshotFile
		if err := json.Unmarshal(snapData, &file); err != nil {
			return nil, apperrors.Wrap(err, apperrors.CodeIntegrity, "decode snapshot")
		}
		if err := checkRulesVersion(file.Meta.RulesVersion); err != nil {
			return nil, err
		}
		if err := checkVariant(file.Meta.VariantID, file.Snapshot.State); err != nil {
			return nil, err
		}
		rp.meta = file.Meta
		rp.wire = file.Snapshot
		rp.version = file.Snapshot.StateVersion
		rp.hasBase = true
		loaded.FromSnapshot = true
	}
	baseline := rp.version

	// 3. 日誌尾段
	if logErr == nil {
		lines := splitLines(logData)
		for i, line := range lines {
			ev, err := DecodeEvent(line)
			if errors.Is(err, ErrUnknownEventType) {
				s.logger.Warn("skip unknown event", "room_id", roomID, "line", i+1, "error", err)
				loaded.Skipped++
				continue
			}
			if err != nil {
				// 崩潰可能留下寫到一半的最後一行
				// 截掉殘行，之後追加的事件才會從新的一行開始
				if i == len(lines)-1 {
					loaded.Skipped++
					if !repair {
						continue
					}
					s.logger.Warn("drop torn event at log tail", "room_id", roomID, "line", i+1, "error", err)
					if terr := s.truncateEventLog(roomID, int64(bytes.LastIndex(logData, line))); terr != nil {
						return nil, fmt.Errorf("truncate torn event log tail: %w", terr)
					}
					continue
				}
				return nil, apperrors.Wrap(err, apperrors.CodeIntegrity, fmt.Sprintf("event log line %d", i+1))
			}

			applied, err := rp.apply(ev, baseline)
			if err != nil {
				return nil, err
			}
			if applied {
				loaded.Replayed++
			}
		}
	}

	if !rp.hasBase {
		return nil, apperrors.New(apperrors.CodeIntegrity, "event log has no GameCreated and no snapshot exists").
			WithDetails(roomID)
	}

	state, err := game.FromWire(rp.wire.State)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeIntegrity, "decode state")
	}
	history, err := game.HistoryFromWire(rp.wire.History)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeIntegrity, "decode history")
	}

	loaded.Meta = rp.meta
	loaded.State = state
	loaded.History = history
	loaded.StateVersion = rp.version
	if loaded.Meta.RoomID == "" {
		loaded.Meta.RoomID = roomID
	}
	return loaded, nil
}

func (rp *replay) apply(ev Event, baseline int64) (bool, error) {
	h := ev.EventHeader()
	if err := checkRulesVersion(h.RulesVersion); err != nil {
		return false, err
	}

	switch e := ev.(type) {
	case GameCreated:
		if rp.hasBase {
			return false, nil
		}
		if err := checkVariant(e.VariantID, e.Snapshot.State); err != nil {
			return false, err
		}
		rp.meta = RoomMeta{
			RoomID:       h.RoomID,
			VariantID:    e.VariantID,
			RulesVersion: h.RulesVersion,
			CreatedAt:    h.TS,
			UpdatedAt:    h.TS,
			Players:      maps.Clone(e.Players),
			ColorsTaken:  slices.Clone(e.ColorsTaken),
		}
		if e.Settings != nil {
			rp.meta.Settings = *e.Settings
		}
		rp.wire = e.Snapshot
		rp.version = h.StateVersion
		rp.hasBase = true
		return true, nil

	case MoveApplied:
		if !rp.hasBase {
			return false, apperrors.New(apperrors.CodeIntegrity, "MoveApplied before GameCreated")
		}
		if h.StateVersion <= rp.version {
			return false, nil
		}
		if h.StateVersion != rp.version+1 {
			return false, apperrors.Newf(apperrors.CodeIntegrity,
				"event log gap: version %d follows %d", h.StateVersion, rp.version)
		}
		if err := checkVariant(rp.meta.VariantID, e.Snapshot.State); err != nil {
			return false, err
		}
		rp.wire = e.Snapshot
		rp.wire.StateVersion = h.StateVersion
		rp.meta.Players = maps.Clone(e.Players)
		rp.meta.ColorsTaken = slices.Clone(e.ColorsTaken)
		if e.Clock != nil {
			rp.meta.Clock = e.Clock.Clone()
		}
		rp.meta.UpdatedAt = h.TS
		rp.version = h.StateVersion
		return true, nil

	case GameOver:
		if !rp.hasBase {
			return false, apperrors.New(apperrors.CodeIntegrity, "GameOver before GameCreated")
		}
		if h.StateVersion <= baseline {
			return false, nil
		}
		if err := checkGameOverCoupling(e, rp.version, rp.wire.State); err != nil {
			return false, err
		}
		rp.meta.LastGameOverVersion = h.StateVersion
		return true, nil

	default:
		return false, fmt.Errorf("%w: %T", ErrUnknownEventType, ev)
	}
}

// checkGameOverCoupling GameOver 只是中繼資料，前一筆 MoveApplied 的狀態必須已經記錄結束原因
func checkGameOverCoupling(e GameOver, running int64, state game.WireGameState) error {
	if e.StateVersion != running {
		return apperrors.Newf(apperrors.CodeIntegrity,
			"GameOver at version %d but running version is %d", e.StateVersion, running)
	}
	if !game.IsForcedReason(e.Reason) {
		return nil
	}
	fgo := state.ForcedGameOver
	if fgo == nil || fgo.ReasonCode != e.Reason || fgo.Winner != e.Winner {
		return apperrors.Newf(apperrors.CodeIntegrity,
			"GameOver %s at version %d is not encoded in the preceding state", e.Reason, e.StateVersion)
	}
	return nil
}

func checkRulesVersion(v string) error {
	if v != SupportedRulesVersion {
		return apperrors.ErrUnsupportedRulesVersion.WithDetails(
			fmt.Sprintf("got %q, supported %q", v, SupportedRulesVersion))
	}
	return nil
}

func checkVariant(metaVariant string, state game.WireGameState) error {
	if state.Meta.VariantID == "" || metaVariant == "" || state.Meta.VariantID != metaVariant {
		return apperrors.ErrIntegrity.WithDetails(
			fmt.Sprintf("state variant %q does not match room variant %q", state.Meta.VariantID, metaVariant))
	}
	return nil
}

// ReadEvents 依檔案順序讀出所有已知事件；未知與殘缺的行略過
func (s *Store) ReadEvents(roomID string) ([]Event, error) {
	if err := checkRoomID(roomID); err != nil {
		return nil, err
	}

	f, err := os.Open(s.eventsPath(roomID))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			if s.RoomExists(roomID) {
				return nil, nil
			}
			return nil, apperrors.Newf(apperrors.CodeRoomNotFound, "room %s not found", roomID)
		}
		return nil, fmt.Errorf("open event log: %w", err)
	}
	defer f.Close()

	var events []Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		ev, err := DecodeEvent(line)
		if err != nil {
			s.logger.Debug("skip event", "room_id", roomID, "error", err)
			continue
		}
		events = append(events, ev)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan event log: %w", err)
	}
	return events, nil
}

func splitLines(data []byte) [][]byte {
	var lines [][]byte
	for line := range bytes.SplitSeq(data, []byte{'\n'}) {
		line = bytes.TrimSpace(line)
		if len(line) > 0 {
			lines = append(lines, line)
		}
	}
	return lines
}
