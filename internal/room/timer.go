package room

import "time"

// timerKind 房間持有的計時器種類
type timerKind string

const (
	timerCountdown timerKind = "countdown"
	timerRematch   timerKind = "rematch-timeout"
)

// schedule 安排計時器（同種類的舊計時器會被取消）
//
// fn 在鎖內執行，返回的回呼在鎖外執行；
// 房間已關閉時 fn 不會被呼叫。需持有鎖。
func (r *Room) schedule(kind timerKind, d time.Duration, fn func() func()) {
	r.cancelTimer(kind)

	var t *time.Timer
	t = time.AfterFunc(d, func() {
		r.mu.Lock()
		// 已被取消或替換
		if r.closed || r.timers[kind] != t {
			r.mu.Unlock()
			return
		}
		delete(r.timers, kind)
		after := fn()
		r.mu.Unlock()

		if after != nil {
			after()
		}
	})
	r.timers[kind] = t
}

// cancelTimer 取消計時器（需持有鎖）
func (r *Room) cancelTimer(kind timerKind) {
	if t, ok := r.timers[kind]; ok {
		t.Stop()
		delete(r.timers, kind)
	}
}

// Close 關閉房間並取消所有計時器
//
// 由 Registry 在刪除房間時呼叫；關閉後所有操作返回 ErrRoomClosed。
func (r *Room) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closeLocked()
}

// closeLocked 標記關閉並取消所有計時器（需持有鎖）
func (r *Room) closeLocked() {
	if r.closed {
		return
	}
	r.closed = true
	for kind := range r.timers {
		r.cancelTimer(kind)
	}
}

// Closed 是否已關閉
func (r *Room) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// PendingTimers 尚未觸發的計時器數量
func (r *Room) PendingTimers() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.timers)
}
