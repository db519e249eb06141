package transfer

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// stallGuard は一定時間データが流れなかった場合にコンテキストをキャンセルします。
// kick でタイマーを延長し、rearm で待ち時間を切り替えます。
type stallGuard struct {
	mu     sync.Mutex
	timer  *time.Timer
	d      time.Duration
	fired  atomic.Bool
	cancel context.CancelFunc
}

func newStallGuard(parent context.Context, d time.Duration) (context.Context, *stallGuard) {
	ctx, cancel := context.WithCancel(parent)
	g := &stallGuard{cancel: cancel}
	g.rearm(d)
	return ctx, g
}

func (g *stallGuard) fire() {
	g.fired.Store(true)
	g.cancel()
}

// rearm は待ち時間を d に切り替えて計測をやり直します。d <= 0 なら監視しません。
func (g *stallGuard) rearm(d time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.fired.Load() {
		return
	}
	if g.timer != nil {
		g.timer.Stop()
		g.timer = nil
	}
	g.d = d
	if d > 0 {
		g.timer = time.AfterFunc(d, g.fire)
	}
}

func (g *stallGuard) kick() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.timer != nil && !g.fired.Load() {
		g.timer.Reset(g.d)
	}
}

func (g *stallGuard) limit() time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.d
}

func (g *stallGuard) tripped() bool {
	return g.fired.Load()
}

func (g *stallGuard) stop() {
	g.mu.Lock()
	if g.timer != nil {
		g.timer.Stop()
	}
	g.mu.Unlock()
	g.cancel()
}
