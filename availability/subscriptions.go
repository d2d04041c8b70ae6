package availability

import (
	"context"
	"sync"

	"github.com/briangreenhill/furnimove/cache"
	"github.com/briangreenhill/furnimove/internal/wire"
)

type subscription struct {
	slot      Slot
	callbacks map[uint64]func(bool)
}

// Subscribe registers callback for every status change of city on date and
// returns a function that removes it again. Every call ensures the live
// channel is open; only the first callback for a slot puts a subscribe frame
// on it, and the last one removed sends the matching unsubscribe.
func (c *Client) Subscribe(ctx context.Context, city, date string, callback func(isAvailable bool)) func() {
	slot := normalize(Slot{City: city, Date: date})
	id, first := c.addCallback(slot, callback)

	// a connect that opens the channel from here on resubscribes every
	// registered slot, this one included
	wasOpen := c.State() == StateOpen
	if err := c.Connect(ctx); err != nil {
		c.logger.Debug().Err(err).Str("slot", slot.Key()).Msg("subscribe deferred until live channel opens")
	} else if first && wasOpen {
		if err := c.send(wire.Subscribe{CityDate: slot}); err != nil {
			c.logger.Debug().Err(err).Str("slot", slot.Key()).Msg("subscribe frame not sent")
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() { c.removeCallback(slot, id) })
	}
}

func (c *Client) addCallback(slot Slot, callback func(bool)) (uint64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := slot.Key()
	sub, ok := c.subs[key]
	if !ok {
		sub = &subscription{slot: slot, callbacks: make(map[uint64]func(bool))}
		c.subs[key] = sub
	}
	c.nextSubID++
	sub.callbacks[c.nextSubID] = callback
	return c.nextSubID, len(sub.callbacks) == 1
}

func (c *Client) removeCallback(slot Slot, id uint64) {
	c.mu.Lock()
	key := slot.Key()
	sub, ok := c.subs[key]
	if !ok {
		c.mu.Unlock()
		return
	}
	delete(sub.callbacks, id)
	last := len(sub.callbacks) == 0
	if last {
		delete(c.subs, key)
	}
	open := c.state == StateOpen
	c.mu.Unlock()

	if last && open {
		if err := c.send(wire.Unsubscribe{CityDate: slot}); err != nil {
			c.logger.Debug().Err(err).Str("slot", key).Msg("unsubscribe frame not sent")
		}
	}
}

func (c *Client) callbacksFor(key string) []func(bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sub, ok := c.subs[key]
	if !ok {
		return nil
	}
	out := make([]func(bool), 0, len(sub.callbacks))
	for _, cb := range sub.callbacks {
		out = append(out, cb)
	}
	return out
}

// dispatch applies one inbound frame: the cache is written first, callbacks
// run after, outside the lock.
func (c *Client) dispatch(m wire.Message) {
	switch msg := m.(type) {
	case wire.CityStatus:
		slot := normalize(msg.Slot())
		c.cache.Set(cache.CityKey(slot.City, slot.Date), msg.IsScheduled)
		for _, cb := range c.callbacksFor(slot.Key()) {
			cb(msg.IsScheduled)
		}

	case wire.BatchResult:
		results := make(map[string]bool, len(msg.Results))
		for _, r := range msg.Results {
			slot := normalize(r.Slot())
			c.cache.Set(cache.CityKey(slot.City, slot.Date), r.IsScheduled)
			results[slot.Key()] = r.IsScheduled
		}
		c.mu.Lock()
		cb, ok := c.batchCallbacks[msg.RequestID]
		delete(c.batchCallbacks, msg.RequestID)
		c.mu.Unlock()
		if ok {
			cb(results)
		} else {
			c.logger.Debug().Str("request_id", msg.RequestID).Msg("batch result without pending request")
		}

	case wire.EmptyResult:
		c.cache.Set(cache.EmptyKey(msg.Date), msg.IsEmpty)
		c.mu.Lock()
		cb, ok := c.emptyCallbacks[msg.RequestID]
		delete(c.emptyCallbacks, msg.RequestID)
		c.mu.Unlock()
		if ok {
			cb(msg.IsEmpty)
		}

	case wire.ServerError:
		c.logger.Warn().Str("message", msg.Message).Msg("live channel error frame")

	default:
		c.logger.Warn().Str("type", string(m.Type())).Msg("unexpected live channel frame")
	}
}
