package broadcast

import "sync"

// Hub 把最新的值分发给所有订阅者。
// 订阅者来不及读时丢掉旧值只保留最新的一个 (快照语义，后一个总是覆盖前一个)。
type Hub[T any] struct {
	mu      sync.Mutex
	subs    map[chan T]struct{}
	dropped int
	closed  bool
}

func New[T any]() *Hub[T] {
	return &Hub[T]{subs: make(map[chan T]struct{})}
}

// Subscribe 返回只读通道和取消函数，取消函数可以重复调用
func (h *Hub[T]) Subscribe() (<-chan T, func()) {
	ch := make(chan T, 1)
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(ch)
		return ch, func() {}
	}
	h.subs[ch] = struct{}{}

	var once sync.Once
	return ch, func() {
		once.Do(func() { h.unsubscribe(ch) })
	}
}

func (h *Hub[T]) unsubscribe(ch chan T) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[ch]; !ok {
		return
	}
	delete(h.subs, ch)
	close(ch)
}

// Publish 非阻塞投递，返回本次被覆盖掉的旧值数量
func (h *Hub[T]) Publish(v T) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	dropped := 0
	for ch := range h.subs {
		select {
		case ch <- v:
			continue
		default:
		}
		// 满了：丢掉旧值再放新值
		select {
		case <-ch:
			dropped++
		default:
		}
		select {
		case ch <- v:
		default:
		}
	}
	h.dropped += dropped
	return dropped
}

// Dropped 累计被覆盖的值数量
func (h *Hub[T]) Dropped() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dropped
}

// Len 当前订阅者数量
func (h *Hub[T]) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Close 关闭所有订阅通道，之后的 Subscribe 拿到的是已关闭的通道
func (h *Hub[T]) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for ch := range h.subs {
		close(ch)
		delete(h.subs, ch)
	}
}
