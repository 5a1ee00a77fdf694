package catsnake

import (
	"log/slog"
	"sync"

	"github.com/grantcarthew/catsnake/internal/registry"
	"github.com/grantcarthew/catsnake/protocol"
)

// SubscribeOptions are the optional subscribe fields.
type SubscribeOptions struct {
	// PrivateKey scopes the subscription to a private channel.
	PrivateKey string
	// NoSelf asks the broker not to echo this client's own publishes.
	NoSelf bool
	// AccessToken authorizes access to a protected channel.
	AccessToken string
	// Private declares the channel private.
	Private bool
}

func (o SubscribeOptions) apply(env *protocol.Envelope) {
	if o.NoSelf {
		env.NoSelf = protocol.Bool(true)
	}
	if o.Private {
		env.Private = protocol.Bool(true)
	}
	env.AccessToken = o.AccessToken
}

// Publish sends data to every subscriber of channel. privateKey may be
// empty.
func (c *Client) Publish(channel string, data any, privateKey string) *Pending {
	return c.send(protocol.TypePublish, channel, protocol.Key(privateKey), func(env *protocol.Envelope) {
		env.Payload = data
	})
}

// Clients requests the clients connected to channel.
func (c *Client) Clients(channel string, data any, privateKey string) *Pending {
	return c.send(protocol.TypeClients, channel, protocol.Key(privateKey), func(env *protocol.Envelope) {
		env.Payload = data
	})
}

// Info requests metadata about channel.
func (c *Client) Info(channel string, data any, privateKey string) *Pending {
	return c.send(protocol.TypeInfo, channel, protocol.Key(privateKey), func(env *protocol.Envelope) {
		env.Payload = data
	})
}

// History requests up to limit prior messages on channel.
func (c *Client) History(channel string, limit int, privateKey string) *Pending {
	return c.send(protocol.TypeHistory, channel, protocol.Key(privateKey), func(env *protocol.Envelope) {
		env.Payload = map[string]any{"limit": limit}
	})
}

// Grant asks the broker to add client to the access list of channel,
// authorized by secret.
func (c *Client) Grant(channel, client, secret string) *Pending {
	return c.access(protocol.TypeGrant, channel, client, secret)
}

// Deny asks the broker to remove client from the access list of channel,
// authorized by secret.
func (c *Client) Deny(channel, client, secret string) *Pending {
	return c.access(protocol.TypeDeny, channel, client, secret)
}

func (c *Client) access(typ protocol.Type, channel, client, secret string) *Pending {
	return c.send(typ, channel, "", func(env *protocol.Envelope) {
		env.AccessToken = secret
		env.Payload = map[string]any{"client": client}
	})
}

// Authenticate requests elevated access with secret. The secret is replayed
// after an automatic reconnect.
func (c *Client) Authenticate(secret string) *Pending {
	c.mu.Lock()
	c.secret = secret
	c.mu.Unlock()

	return c.send(protocol.TypeAuthenticate, "", "", func(env *protocol.Envelope) {
		env.AccessToken = secret
	})
}

// Subscribe registers handler for channel and sends a subscribe request.
// The handler is registered before the request is queued, so no message on
// channel is missed once the request is in flight.
func (c *Client) Subscribe(channel string, handler Handler, opts SubscribeOptions) *Subscription {
	id := c.registry.Register(channel, registry.Handler(handler))
	c.metrics.SetListeners(c.registry.Len())

	c.mu.Lock()
	c.channels[channel] = opts
	c.mu.Unlock()

	p := c.send(protocol.TypeSubscribe, channel, protocol.Key(opts.PrivateKey), opts.apply)
	return &Subscription{Pending: p, client: c, id: id}
}

// Unsubscribe removes every listener on channel and sends an unsubscribe
// request. It resolves with ErrNotSubscribed when channel has no listeners.
func (c *Client) Unsubscribe(channel string) *Pending {
	key := c.subscribedKey(channel)
	if c.registry.RemoveChannel(channel) == 0 {
		return resolvedPending(protocol.TypeUnsubscribe, channel, ErrNotSubscribed)
	}
	return c.unsubscribe(channel, key)
}

func (c *Client) unsubscribe(channel string, key protocol.Key) *Pending {
	c.metrics.SetListeners(c.registry.Len())

	c.mu.Lock()
	delete(c.channels, channel)
	c.mu.Unlock()

	c.log.Debug("unsubscribing", slog.String("channel", channel))
	return c.send(protocol.TypeUnsubscribe, channel, key, nil)
}

// Subscription is one registered handler. The embedded Pending tracks the
// subscribe request.
type Subscription struct {
	*Pending

	client *Client
	id     registry.ID
	once   sync.Once
}

// Unsubscribe removes this handler. When it was the last handler on the
// channel an unsubscribe request is sent and its Pending returned;
// otherwise the returned Pending is already resolved. Calling it again
// resolves with ErrNotSubscribed.
func (s *Subscription) Unsubscribe() *Pending {
	result := resolvedPending(protocol.TypeUnsubscribe, s.channel, ErrNotSubscribed)
	s.once.Do(func() {
		key := s.client.subscribedKey(s.channel)
		channel, ok := s.client.registry.Remove(s.id)
		if !ok {
			return
		}
		if s.client.registry.Count(channel) > 0 {
			s.client.metrics.SetListeners(s.client.registry.Len())
			result = resolvedPending(protocol.TypeUnsubscribe, channel, nil)
			return
		}
		result = s.client.unsubscribe(channel, key)
	})
	return result
}
