package catsnake

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/grantcarthew/catsnake/protocol"
)

// Pending is the outcome of one request.
type Pending struct {
	id      string
	typ     protocol.Type
	channel string

	done chan struct{}
	once sync.Once

	mu    sync.Mutex
	timer *time.Timer
	reply *protocol.Message
	err   error
}

func newPending(typ protocol.Type, channel string) *Pending {
	return &Pending{
		id:      uuid.Must(uuid.NewV7()).String(),
		typ:     typ,
		channel: channel,
		done:    make(chan struct{}),
	}
}

// resolvedPending returns a Pending that is already done.
func resolvedPending(typ protocol.Type, channel string, err error) *Pending {
	p := newPending(typ, channel)
	p.resolve(nil, err)
	return p
}

// ID returns the request id carried in the envelope metadata.
func (p *Pending) ID() string { return p.id }

// Type returns the request type.
func (p *Pending) Type() protocol.Type { return p.typ }

// Channel returns the request channel.
func (p *Pending) Channel() string { return p.channel }

// Done is closed when the request resolves.
func (p *Pending) Done() <-chan struct{} { return p.done }

// Wait blocks until the request resolves or ctx is done.
func (p *Pending) Wait(ctx context.Context) (*protocol.Message, error) {
	select {
	case <-p.done:
		return p.Reply(), p.Err()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Err returns the failure, or nil while unresolved or on success.
func (p *Pending) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// Reply returns the broker reply, or nil when there is none.
func (p *Pending) Reply() *protocol.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reply
}

// resolve records the outcome once. It reports whether this call resolved p.
func (p *Pending) resolve(reply *protocol.Message, err error) bool {
	resolved := false
	p.once.Do(func() {
		p.mu.Lock()
		p.reply = reply
		p.err = err
		if p.timer != nil {
			p.timer.Stop()
			p.timer = nil
		}
		p.mu.Unlock()
		close(p.done)
		resolved = true
	})
	return resolved
}

// expireAfter resolves p with ErrReplyTimeout unless it resolves within d.
func (p *Pending) expireAfter(d time.Duration, onExpire func(*Pending)) {
	if d <= 0 {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	select {
	case <-p.done:
		return
	default:
	}
	p.timer = time.AfterFunc(d, func() {
		if p.resolve(nil, fmt.Errorf("%w after %s", ErrReplyTimeout, d)) {
			onExpire(p)
		}
	})
}
