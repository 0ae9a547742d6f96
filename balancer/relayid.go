package balancer

import (
	"math"
	"sync"
)

// relayIdMod 回绕点取可表示范围的一半，
// 保证长寿命会话持有的id不会与回收后新分配的id混淆
const relayIdMod = uint64(math.MaxUint64 / 2)

var (
	mtxLastRelayId sync.Mutex
	lastRelayId    uint64
)

// NextRelayID 返回下一个进程级唯一的中继会话id
func NextRelayID() uint64 {
	mtxLastRelayId.Lock()
	defer mtxLastRelayId.Unlock()

	if lastRelayId > relayIdMod {
		lastRelayId = 0
	}
	lastRelayId++
	return lastRelayId
}

// PeekRelayID 返回计数器加一的值，不改变计数器。
// 计数器越过回绕点时，下一次 NextRelayID 返回的是1，与此值不同。
func PeekRelayID() uint64 {
	mtxLastRelayId.Lock()
	defer mtxLastRelayId.Unlock()

	return lastRelayId + 1
}
