package room

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/koopa0/system-design/14-lasca-sync/internal/eventbus"
	"github.com/koopa0/system-design/14-lasca-sync/internal/store"
)

const (
	publishTimeout = 5 * time.Second
	// publishDrain 關閉時等待事件匯流排送完剩餘事件的上限
	publishDrain = 5 * time.Second
)

// job 一個持久化工作；event、snapshot 擇一，兩者皆空代表 flush 屏障
type job struct {
	roomID   string
	event    store.Event
	snapshot *store.SnapshotFile
	opts     store.WriteOptions
	done     chan struct{}
}

// writer 單一 goroutine 依 FIFO 順序執行持久化
//
// 系統設計問題：
//
//	變更在記憶體中同步完成後立即回應 HTTP，磁碟 I/O 在之後非同步進行。
//	同一房間的事件必須依 stateVersion 順序寫入日誌：
//	工作在持有房間鎖時入列，單一消費者依序寫出，入列順序就是版本順序。
//
//	入列絕不阻塞（房間鎖還握在手上），所以佇列沒有上限，只在積壓超過
//	highWater 時警告。對外發布走另一個 goroutine 與有界緩衝，
//	事件匯流排變慢只會丟掉發布，不會拖慢磁碟寫入。
type writer struct {
	store     *store.Store
	publisher eventbus.Publisher
	logger    *slog.Logger
	highWater int

	mu      sync.Mutex
	pending []job
	stopped bool
	wake    chan struct{}

	events    chan store.Event
	pubCtx    context.Context
	cancelPub context.CancelFunc

	stopCh chan struct{}
	wg     sync.WaitGroup
	pubWG  sync.WaitGroup
	once   sync.Once
}

func newWriter(st *store.Store, publisher eventbus.Publisher, logger *slog.Logger, size int) *writer {
	ctx, cancel := context.WithCancel(context.Background())
	w := &writer{
		store:     st,
		publisher: publisher,
		logger:    logger,
		highWater: size,
		wake:      make(chan struct{}, 1),
		events:    make(chan store.Event, size),
		pubCtx:    ctx,
		cancelPub: cancel,
		stopCh:    make(chan struct{}),
	}
	w.wg.Add(1)
	go w.run()
	w.pubWG.Add(1)
	go w.publishLoop()
	return w
}

func (w *writer) enqueueEvent(roomID string, ev store.Event, opts store.WriteOptions) {
	w.enqueue(job{roomID: roomID, event: ev, opts: opts})
}

func (w *writer) enqueueSnapshot(roomID string, file store.SnapshotFile, opts store.WriteOptions) {
	w.enqueue(job{roomID: roomID, snapshot: &file, opts: opts})
}

// enqueue 非阻塞入列；writer 已停止時回傳 false
func (w *writer) enqueue(j job) bool {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		w.logger.Warn("writer stopped, drop persistence job", "room_id", j.roomID)
		return false
	}
	w.pending = append(w.pending, j)
	backlog := len(w.pending)
	w.mu.Unlock()

	if backlog == w.highWater {
		w.logger.Warn("persistence backlog reached high water", "jobs", backlog)
	}
	select {
	case w.wake <- struct{}{}:
	default:
	}
	return true
}

// flush 等待目前為止入列的工作全部完成
func (w *writer) flush(ctx context.Context) error {
	done := make(chan struct{})
	if !w.enqueue(job{done: done}) {
		return nil
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *writer) run() {
	defer w.wg.Done()

	for {
		w.mu.Lock()
		batch := w.pending
		w.pending = nil
		stopped := w.stopped
		w.mu.Unlock()

		for _, j := range batch {
			w.handle(j)
		}
		if len(batch) > 0 {
			continue
		}
		// 停止前清空佇列
		if stopped {
			return
		}
		select {
		case <-w.wake:
		case <-w.stopCh:
		}
	}
}

func (w *writer) handle(j job) {
	switch {
	case j.done != nil:
		close(j.done)

	case j.event != nil:
		if err := w.store.AppendEvent(j.roomID, j.event, j.opts); err != nil {
			w.logger.Error("append event failed",
				"room_id", j.roomID,
				"state_version", j.event.EventHeader().StateVersion,
				"error", err)
			return
		}
		select {
		case w.events <- j.event:
		default:
			w.logger.Warn("event bus backlog full, drop publish",
				"room_id", j.roomID,
				"state_version", j.event.EventHeader().StateVersion)
		}

	case j.snapshot != nil:
		if err := w.store.WriteSnapshotAtomic(j.roomID, *j.snapshot, j.opts); err != nil {
			w.logger.Error("write snapshot failed",
				"room_id", j.roomID,
				"state_version", j.snapshot.Snapshot.StateVersion,
				"error", err)
		}
	}
}

// publishLoop 對外發布已寫入日誌的事件
func (w *writer) publishLoop() {
	defer w.pubWG.Done()

	for ev := range w.events {
		ctx, cancel := context.WithTimeout(w.pubCtx, publishTimeout)
		err := w.publisher.Publish(ctx, ev)
		cancel()
		if err != nil {
			h := ev.EventHeader()
			w.logger.Warn("publish event failed", "room_id", h.RoomID, "state_version", h.StateVersion, "error", err)
		}
	}
}

func (w *writer) stop() {
	w.once.Do(func() {
		w.mu.Lock()
		w.stopped = true
		w.mu.Unlock()
		close(w.stopCh)
		w.wg.Wait()

		close(w.events)
		drained := make(chan struct{})
		go func() {
			w.pubWG.Wait()
			close(drained)
		}()
		select {
		case <-drained:
		case <-time.After(publishDrain):
			w.logger.Warn("event bus did not drain before shutdown")
			w.cancelPub()
			<-drained
		}
		w.cancelPub()
	})
}
