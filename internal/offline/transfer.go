package offline

import (
	"context"
	"sync"
)

// Transfer 表示一次 Add 的异步结果。
type Transfer struct {
	Name       string
	Background bool

	once sync.Once
	done chan struct{}
	err  error
}

func newTransfer(name string, background bool) *Transfer {
	return &Transfer{Name: name, Background: background, done: make(chan struct{})}
}

// Done 在传输结束（成功、失败或取消）后关闭。
func (t *Transfer) Done() <-chan struct{} {
	return t.done
}

// Err 返回结束原因；未结束时返回 nil。
func (t *Transfer) Err() error {
	select {
	case <-t.done:
		return t.err
	default:
		return nil
	}
}

// Wait 阻塞直到传输结束或 ctx 取消。
func (t *Transfer) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *Transfer) settle(err error) {
	t.once.Do(func() {
		t.err = err
		close(t.done)
	})
}
