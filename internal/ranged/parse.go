package ranged

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var (
	// ErrMalformedRange 表示 Range 头无法解析。
	ErrMalformedRange = errors.New("malformed range")
	// ErrUnsatisfiable 表示范围超出资源长度。
	ErrUnsatisfiable = errors.New("range not satisfiable")
)

var rangePattern = regexp.MustCompile(`^bytes=(\d*)-(\d*)$`)

// Window 为半开区间 [Start, End)。
type Window struct {
	Start int64
	End   int64
}

// Len 返回窗口字节数。
func (w Window) Len() int64 {
	return w.End - w.Start
}

// ParseRange 解析 bytes=a-b、bytes=-n、bytes=a- 三种形式，并按 size 解析开放端点。
// 结束位置超出 size 时截断到 size。
func ParseRange(header string, size int64) (Window, error) {
	value := strings.ToLower(strings.TrimSpace(header))
	if value == "" {
		return Window{}, fmt.Errorf("%w: empty header", ErrMalformedRange)
	}
	parts := rangePattern.FindStringSubmatch(value)
	if parts == nil {
		return Window{}, fmt.Errorf("%w: %q", ErrMalformedRange, header)
	}
	first, second := parts[1], parts[2]
	if first == "" && second == "" {
		return Window{}, fmt.Errorf("%w: %q", ErrMalformedRange, header)
	}

	var w Window
	switch {
	case first == "":
		n, err := strconv.ParseInt(second, 10, 64)
		if err != nil {
			return Window{}, fmt.Errorf("%w: %v", ErrMalformedRange, err)
		}
		w = Window{Start: size - n, End: size}
	case second == "":
		n, err := strconv.ParseInt(first, 10, 64)
		if err != nil {
			return Window{}, fmt.Errorf("%w: %v", ErrMalformedRange, err)
		}
		w = Window{Start: n, End: size}
	default:
		start, err := strconv.ParseInt(first, 10, 64)
		if err != nil {
			return Window{}, fmt.Errorf("%w: %v", ErrMalformedRange, err)
		}
		last, err := strconv.ParseInt(second, 10, 64)
		if err != nil {
			return Window{}, fmt.Errorf("%w: %v", ErrMalformedRange, err)
		}
		if last < start {
			return Window{}, fmt.Errorf("%w: %q", ErrMalformedRange, header)
		}
		// Range 的结束位置是闭区间
		w = Window{Start: start, End: last + 1}
	}

	if w.End > size {
		w.End = size
	}
	if w.Start < 0 || w.Start >= w.End {
		return Window{}, fmt.Errorf("%w: %q for length %d", ErrUnsatisfiable, header, size)
	}
	return w, nil
}
