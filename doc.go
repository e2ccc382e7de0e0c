// Package lascasync 提供雙人回合制棋局（Lasca）的房間同步與持久化服務。
//
// 伺服器是每個房間唯一的權威來源，客戶端只透過 stateVersion 判斷自己是否落後。
//
// # 房間與狀態機
//
// 每個變更（走子、結束連續吃子、結束回合、認輸）都走同一條流水線：
//   - 結算棋鐘與斷線寬限
//   - 檢查座位、回合與 expectedStateVersion
//   - 交給規則引擎產生下一個狀態
//   - 記憶體中 stateVersion+1，接著依序寫入事件日誌並廣播
//
// # 持久化
//
// 每個房間一個目錄：
//
//	<root>/<roomId>/<roomId>.events.jsonl   附加寫入的事件日誌
//	<root>/<roomId>/<roomId>.snapshot.json  原子替換的快照
//
// 載入時從快照開始重播日誌尾端，重啟後房間與計時器都能恢復。
//
// # 即時推送
//
// WebSocket（/api/ws）為主，SSE（/api/stream/{roomId}）為備援。
// 每則推送都是完整快照，送達語義是 at-least-once + 版本去重。
//
// # 客戶端
//
// pkg/syncclient 實作客戶端同步：忽略舊版本、發現缺口時只重新同步一次、
// 在短時間大量推送時整批丟棄並重新同步。
//
// 使用範例
//
// 啟動服務器：
//
//	go run ./cmd/server -config config.yaml
//
// 以命令列觀戰：
//
//	go run ./cmd/watch -room <roomId> -server http://localhost:8080
package lascasync
