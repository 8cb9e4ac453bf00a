package monitoring

import (
	"fmt"
	"sync/atomic"
)

// LinkState is the connection state of one external dependency.
type LinkState int32

const (
	Disconnected LinkState = iota
	Connecting
	Streaming
)

func (s LinkState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Streaming:
		return "streaming"
	default:
		return fmt.Sprintf("LinkState(%d)", int32(s))
	}
}

func (s LinkState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Link holds a LinkState shared between the goroutine driving a connection
// and its readers. The zero value is Disconnected.
type Link struct {
	state atomic.Int32
}

func (l *Link) Load() LinkState { return LinkState(l.state.Load()) }

// Store sets the state and returns the previous one.
func (l *Link) Store(s LinkState) LinkState { return LinkState(l.state.Swap(int32(s))) }
