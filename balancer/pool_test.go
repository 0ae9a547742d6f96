package balancer

import (
	"testing"
	"time"

	"socksbalancer/config"
)

// makeTestPool 创建带n个后端的测试池
func makeTestPool(n int, rule SelectRule) *UpstreamPool {
	upstreams := make([]config.Upstream, 0, n)
	for i := 0; i < n; i++ {
		upstreams = append(upstreams, config.Upstream{
			Name: string(rune('A' + i)),
			Host: "127.0.0.1",
			Port: 3000 + i,
		})
	}
	return NewUpstreamPool(upstreams, rule, nil)
}

func TestLoopRoundRobin(t *testing.T) {
	pool := makeTestPool(3, SelectLoop)

	// 三个健康后端，五次选择应轮转 A,B,C,A,B
	want := []string{"A", "B", "C", "A", "B"}
	for i, name := range want {
		b := pool.GetNext()
		if b == nil {
			t.Fatalf("GetNext() call %d returned nil", i)
		}
		if b.Name != name {
			t.Errorf("GetNext() call %d = %s, want %s", i, b.Name, name)
		}
	}

	if pool.lastUseUpstreamIndex != 1 {
		t.Errorf("lastUseUpstreamIndex = %d, want 1", pool.lastUseUpstreamIndex)
	}
}

func TestLoopSkipsIneligible(t *testing.T) {
	pool := makeTestPool(3, SelectLoop)
	pool.MarkTcpFailed(1) // B 离线

	want := []string{"A", "C", "A", "C"}
	for i, name := range want {
		b := pool.GetNext()
		if b == nil || b.Name != name {
			t.Fatalf("GetNext() call %d = %v, want %s", i, b, name)
		}
	}
}

func TestGetNextNoEligible(t *testing.T) {
	pool := makeTestPool(2, SelectLoop)

	// 先推进游标
	pool.GetNext()
	before := pool.lastUseUpstreamIndex

	pool.MarkTcpFailed(0)
	pool.MarkConnectFailed(1)

	if b := pool.GetNext(); b != nil {
		t.Errorf("GetNext() with no eligible backends = %v, want nil", b)
	}
	// 空选择不得改变轮转游标
	if pool.lastUseUpstreamIndex != before {
		t.Errorf("lastUseUpstreamIndex changed from %d to %d on empty selection", before, pool.lastUseUpstreamIndex)
	}
}

func TestGetNextExcluding(t *testing.T) {
	pool := makeTestPool(3, SelectLoop)

	b := pool.GetNextExcluding(map[int]bool{0: true, 1: true})
	if b == nil || b.Name != "C" {
		t.Fatalf("GetNextExcluding(0,1) = %v, want C", b)
	}

	if b := pool.GetNextExcluding(map[int]bool{0: true, 1: true, 2: true}); b != nil {
		t.Errorf("GetNextExcluding(all) = %v, want nil", b)
	}
}

func TestRandomSelectsOnlyEligible(t *testing.T) {
	pool := makeTestPool(3, SelectRandom)
	pool.MarkTcpFailed(0)
	pool.MarkConnectFailed(2)

	for i := 0; i < 50; i++ {
		b := pool.GetNext()
		if b == nil || b.Name != "B" {
			t.Fatalf("GetNext() = %v, want B (only eligible backend)", b)
		}
	}
}

func TestOneByOneSticksToBackend(t *testing.T) {
	pool := makeTestPool(3, SelectOneByOne)

	// 一直使用第一个可用后端
	for i := 0; i < 5; i++ {
		b := pool.GetNext()
		if b == nil || b.Name != "A" {
			t.Fatalf("GetNext() call %d = %v, want A", i, b)
		}
	}

	// A 失效后切换到 B 并保持
	pool.MarkTcpFailed(0)
	for i := 0; i < 5; i++ {
		b := pool.GetNext()
		if b == nil || b.Name != "B" {
			t.Fatalf("GetNext() after A failed = %v, want B", b)
		}
	}

	// A 恢复后仍然停留在 B
	pool.UpdateTcpPing(0, 10*time.Millisecond)
	b := pool.GetNext()
	if b == nil || b.Name != "B" {
		t.Errorf("GetNext() after A recovered = %v, want B (sticky)", b)
	}
}

func TestChangeByTimeSticksWithinInterval(t *testing.T) {
	pool := makeTestPool(3, SelectChangeByTime)

	first := pool.GetNext()
	if first == nil {
		t.Fatal("GetNext() returned nil")
	}
	// 间隔未到时保持同一后端
	for i := 0; i < 5; i++ {
		b := pool.GetNext()
		if b == nil || b.Index != first.Index {
			t.Fatalf("GetNext() = %v, want %s within change interval", b, first.Name)
		}
	}

	// 当前后端失效时立即切换
	pool.MarkTcpFailed(first.Index)
	b := pool.GetNext()
	if b == nil || b.Index == first.Index {
		t.Errorf("GetNext() after current failed = %v, want different backend", b)
	}
}

func TestMinConnectCountTieBreak(t *testing.T) {
	pool := makeTestPool(3, SelectMinConnectCount)
	pool.setBackendStateForTest(0, false, false, false, 2)
	pool.setBackendStateForTest(1, false, false, false, 2)
	pool.setBackendStateForTest(2, false, false, false, 5)

	// 并列最小时取下标最小者
	b := pool.GetNext()
	if b == nil || b.Name != "A" {
		t.Errorf("GetNext() = %v, want A (lowest index among minima)", b)
	}

	// A 计数升高后选择 B
	pool.setBackendStateForTest(0, false, false, false, 9)
	b = pool.GetNext()
	if b == nil || b.Name != "B" {
		t.Errorf("GetNext() = %v, want B", b)
	}
}

func TestProbeUpdatesEligibility(t *testing.T) {
	pool := makeTestPool(1, SelectLoop)

	// TCP探测失败标记离线
	pool.MarkTcpFailed(0)
	if b := pool.GetNext(); b != nil {
		t.Fatalf("GetNext() with offline backend = %v, want nil", b)
	}

	// 探测成功后恢复在线并清除粘滞失败标记
	pool.MarkConnectFailed(0)
	pool.UpdateTcpPing(0, 15*time.Millisecond)

	b := pool.GetNext()
	if b == nil {
		t.Fatal("GetNext() after successful probe = nil, want backend")
	}

	snap := pool.Snapshot()[0]
	if snap.IsOffline {
		t.Error("IsOffline = true after successful probe")
	}
	if snap.LastConnectFailed {
		t.Error("LastConnectFailed = true after successful probe")
	}
	if !snap.IsWorking {
		t.Error("IsWorking = false after successful probe")
	}
	if snap.TcpPingMs != 15 {
		t.Errorf("TcpPingMs = %d, want 15", snap.TcpPingMs)
	}
	if snap.LastOnlineTime == "" {
		t.Error("LastOnlineTime empty after successful probe")
	}
}

func TestManualDisable(t *testing.T) {
	pool := makeTestPool(2, SelectLoop)

	if !pool.SetManualDisable(0, true) {
		t.Fatal("SetManualDisable(0, true) = false")
	}
	for i := 0; i < 4; i++ {
		b := pool.GetNext()
		if b == nil || b.Name != "B" {
			t.Fatalf("GetNext() with A disabled = %v, want B", b)
		}
	}

	snap := pool.Snapshot()[0]
	if !snap.IsManualDisable || !snap.IsManualClosed {
		t.Error("snapshot should report manual disable")
	}
	if snap.IsWorking {
		t.Error("IsWorking = true for disabled backend")
	}

	pool.SetManualDisable(0, false)
	found := false
	for i := 0; i < 4; i++ {
		if b := pool.GetNext(); b != nil && b.Name == "A" {
			found = true
		}
	}
	if !found {
		t.Error("A never selected after re-enable")
	}

	// 非法下标
	if pool.SetManualDisable(99, true) {
		t.Error("SetManualDisable(99) = true, want false")
	}
}

func TestResetLastConnectFailed(t *testing.T) {
	pool := makeTestPool(1, SelectLoop)

	pool.MarkConnectFailed(0)
	if b := pool.GetNext(); b != nil {
		t.Fatalf("GetNext() with connect-failed backend = %v, want nil", b)
	}

	if !pool.ResetLastConnectFailed(0) {
		t.Fatal("ResetLastConnectFailed(0) = false")
	}
	if b := pool.GetNext(); b == nil {
		t.Error("GetNext() after reset = nil, want backend")
	}
}

func TestConnectCountAccounting(t *testing.T) {
	pool := makeTestPool(2, SelectLoop)

	pool.IncrementConnectCount(0)
	pool.IncrementConnectCount(0)
	pool.IncrementConnectCount(1)

	if got := pool.ConnectCount(0); got != 2 {
		t.Errorf("ConnectCount(0) = %d, want 2", got)
	}
	if got := pool.TotalConnectCount(); got != 3 {
		t.Errorf("TotalConnectCount() = %d, want 3", got)
	}

	pool.DecrementConnectCount(0)
	pool.DecrementConnectCount(0)
	pool.DecrementConnectCount(1)

	if got := pool.TotalConnectCount(); got != 0 {
		t.Errorf("TotalConnectCount() after decrements = %d, want 0", got)
	}

	// 计数不为负
	pool.DecrementConnectCount(0)
	if got := pool.ConnectCount(0); got != 0 {
		t.Errorf("ConnectCount(0) after underflow = %d, want 0", got)
	}
}

func TestDelaySnapshotWindow(t *testing.T) {
	pool := makeTestPool(1, SelectLoop)

	// 写入超过窗口大小的采样
	for i := 0; i < pingHistorySize+5; i++ {
		pool.UpdateTcpPing(0, time.Duration(i+1)*time.Millisecond)
	}

	ds := pool.DelaySnapshot()[0]
	if len(ds.TcpPingHistory) != pingHistorySize {
		t.Fatalf("TcpPingHistory size = %d, want %d", len(ds.TcpPingHistory), pingHistorySize)
	}
	// 保留的是最新的采样
	last := ds.TcpPingHistory[len(ds.TcpPingHistory)-1]
	if last.PingMs != int64(pingHistorySize+5) {
		t.Errorf("latest sample = %dms, want %dms", last.PingMs, pingHistorySize+5)
	}
}
