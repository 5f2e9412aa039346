package nativemsg

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/goodtune/kbudget/internal/dispatch"
	"github.com/goodtune/kbudget/internal/metrics"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// QueryTimeout bounds how long the host waits for a reply.
const QueryTimeout = 2 * time.Second

var (
	// ErrQueryTimeout is returned when the browser does not answer in time.
	ErrQueryTimeout = errors.New("nativemsg: query timed out")
	// ErrClosed is returned once the browser has closed the stream.
	ErrClosed = errors.New("nativemsg: connection closed")
)

// Poster receives browser events
type Poster interface {
	Post(ctx context.Context, ev dispatch.Event) error
}

// Bridge connects the dispatcher to the browser over a native messaging
// stream. It implements dispatch.Browser.
type Bridge struct {
	dec     *Decoder
	enc     *Encoder
	timeout time.Duration
	logger  zerolog.Logger

	mu      sync.Mutex
	pending map[string]chan Inbound

	closeOnce sync.Once
	closed    chan struct{}
}

// NewBridge creates a bridge reading browser messages from r and writing
// host messages to w
func NewBridge(r io.Reader, w io.Writer, logger zerolog.Logger) *Bridge {
	return &Bridge{
		dec:     NewDecoder(r),
		enc:     NewEncoder(w),
		timeout: QueryTimeout,
		logger:  logger.With().Str("component", "nativemsg").Logger(),
		pending: make(map[string]chan Inbound),
		closed:  make(chan struct{}),
	}
}

// Serve reads browser messages until the stream ends, forwarding events to
// poster and replies to waiting queries. A clean end of stream returns nil.
func (b *Bridge) Serve(ctx context.Context, poster Poster) error {
	defer b.close()

	b.logger.Info().Msg("Native messaging bridge started")

	for {
		var msg Inbound
		err := b.dec.Decode(&msg)
		if err != nil {
			if errors.Is(err, io.EOF) {
				b.logger.Info().Msg("Browser closed the connection")
				return nil
			}
			if errors.Is(err, ErrMessageTooLarge) {
				b.logger.Warn().Err(err).Msg("Discarding oversized message")
				continue
			}
			var syntaxErr *json.SyntaxError
			var typeErr *json.UnmarshalTypeError
			if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
				b.logger.Warn().Err(err).Msg("Discarding malformed message")
				continue
			}
			return fmt.Errorf("failed to read message: %w", err)
		}

		metrics.NativeMessagesTotal.WithLabelValues("in", msg.Type).Inc()

		switch msg.Type {
		case TypeEvent:
			ev := dispatch.Event{
				Kind:     msg.Event,
				Tab:      msg.Tab,
				TabID:    msg.TabID,
				WindowID: msg.WindowID,
			}
			if err := poster.Post(ctx, ev); err != nil {
				return err
			}

		case TypeReply:
			b.deliver(msg)

		default:
			b.logger.Warn().Str("type", msg.Type).Msg("Ignoring unknown message type")
		}
	}
}

// ActiveTab asks the browser for the active tab of the focused window
func (b *Bridge) ActiveTab(ctx context.Context) (*dispatch.Tab, error) {
	reply, err := b.query(ctx, QueryActiveTab)
	if err != nil {
		return nil, err
	}
	return reply.Tab, nil
}

// WindowFocused asks the browser whether any of its windows has focus
func (b *Bridge) WindowFocused(ctx context.Context) (bool, error) {
	reply, err := b.query(ctx, QueryWindowFocused)
	if err != nil {
		return false, err
	}
	return reply.Focused, nil
}

// Navigate sends a tab to url
func (b *Bridge) Navigate(ctx context.Context, tabID int, url string, internal bool) error {
	return b.send(NavigateMessage{Type: TypeNavigate, TabID: tabID, URL: url, Internal: internal})
}

// SetBadge sets the toolbar badge text
func (b *Bridge) SetBadge(ctx context.Context, text string) error {
	return b.send(BadgeMessage{Type: TypeBadge, Text: text})
}

func (b *Bridge) send(msg any) error {
	select {
	case <-b.closed:
		return ErrClosed
	default:
	}

	if err := b.enc.Encode(msg); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}

	var kind string
	switch m := msg.(type) {
	case NavigateMessage:
		kind = m.Type
	case BadgeMessage:
		kind = m.Type
	case QueryMessage:
		kind = m.Type
	}
	metrics.NativeMessagesTotal.WithLabelValues("out", kind).Inc()
	return nil
}

func (b *Bridge) query(ctx context.Context, kind string) (Inbound, error) {
	id := uuid.NewString()
	ch := make(chan Inbound, 1)

	b.mu.Lock()
	b.pending[id] = ch
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		delete(b.pending, id)
		b.mu.Unlock()
	}()

	start := time.Now()
	if err := b.send(QueryMessage{Type: TypeQuery, ID: id, Query: kind}); err != nil {
		return Inbound{}, err
	}

	timer := time.NewTimer(b.timeout)
	defer timer.Stop()

	select {
	case reply := <-ch:
		metrics.NativeQueryDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())
		if reply.Error != "" {
			return Inbound{}, fmt.Errorf("browser %s query failed: %s", kind, reply.Error)
		}
		return reply, nil
	case <-timer.C:
		return Inbound{}, fmt.Errorf("%w: %s", ErrQueryTimeout, kind)
	case <-b.closed:
		return Inbound{}, ErrClosed
	case <-ctx.Done():
		return Inbound{}, ctx.Err()
	}
}

func (b *Bridge) deliver(reply Inbound) {
	b.mu.Lock()
	ch, ok := b.pending[reply.ID]
	b.mu.Unlock()

	if !ok {
		b.logger.Debug().Str("id", reply.ID).Msg("Dropping late reply")
		return
	}
	select {
	case ch <- reply:
	default:
	}
}

func (b *Bridge) close() {
	b.closeOnce.Do(func() { close(b.closed) })
}

// Done is closed when the browser connection ends
func (b *Bridge) Done() <-chan struct{} {
	return b.closed
}
