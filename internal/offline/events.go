package offline

import (
	"io"
	"sync"
	"sync/atomic"
)

// EventKind 区分通知类型。
type EventKind string

const (
	EventProgress  EventKind = "progress"
	EventComplete  EventKind = "complete"
	EventCancelled EventKind = "cancelled"
	EventFailed    EventKind = "failed"
)

// Event 是推送给调用方的进度/结果通知。
type Event struct {
	Name       string    `json:"name"`
	Kind       EventKind `json:"kind"`
	Loaded     int64     `json:"loaded"`
	Total      int64     `json:"total"`
	Background bool      `json:"background,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// Sink 接收事件；实现需保证并发安全。
type Sink interface {
	Emit(Event)
}

// SinkFunc 适配普通函数。
type SinkFunc func(Event)

// Emit 实现 Sink。
func (f SinkFunc) Emit(e Event) { f(e) }

type discardSink struct{}

func (discardSink) Emit(Event) {}

// Snapshot 记录最近一次事件，供状态查询。
type Snapshot struct {
	Name       string `json:"name"`
	Cached     bool   `json:"cached"`
	InFlight   bool   `json:"in_flight"`
	Cancelling bool   `json:"cancelling,omitempty"`
	Last       *Event `json:"last_event,omitempty"`
}

// lastEvents 保存每个名称的最后一次事件。
type lastEvents struct {
	mu     sync.Mutex
	events map[string]Event
}

func (l *lastEvents) record(e Event) {
	l.mu.Lock()
	if l.events == nil {
		l.events = make(map[string]Event)
	}
	l.events[e.Name] = e
	l.mu.Unlock()
}

func (l *lastEvents) get(name string) (Event, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.events[name]
	return e, ok
}

func (l *lastEvents) forget(name string) {
	l.mu.Lock()
	delete(l.events, name)
	l.mu.Unlock()
}

// progress 汇总同一次 Add 中全部资源流的字节数，每次增量都发出进度事件。
type progress struct {
	name   string
	total  int64
	loaded atomic.Int64
	emit   func(Event)
}

func (p *progress) add(n int) {
	loaded := p.loaded.Add(int64(n))
	p.emit(Event{Name: p.name, Kind: EventProgress, Loaded: loaded, Total: p.total})
}

type countingReader struct {
	r   io.Reader
	add func(int)
}

func (c *countingReader) Read(b []byte) (int, error) {
	n, err := c.r.Read(b)
	if n > 0 {
		c.add(n)
	}
	return n, err
}
