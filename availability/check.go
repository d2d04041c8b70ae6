package availability

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/briangreenhill/furnimove/cache"
	"github.com/briangreenhill/furnimove/internal/wire"
)

// Check reports whether city is scheduled on date. A fresh cached answer is
// returned as is; otherwise the live channel is asked through a one-shot
// subscription and, if that cannot answer within CheckTimeout, the REST
// endpoint is consulted. Check never fails: anything else reads as false.
func (c *Client) Check(ctx context.Context, city, date string) bool {
	slot := normalize(Slot{City: city, Date: date})
	key := cache.CityKey(slot.City, slot.Date)
	if v, ok := c.cache.Peek(key, c.timing.CacheTTL); ok {
		return v
	}

	if err := c.Connect(ctx); err == nil {
		if v, ok := c.checkLive(ctx, slot); ok {
			return v
		}
	} else {
		c.logger.Debug().Err(err).Str("slot", slot.Key()).Msg("live channel unavailable, using REST")
	}
	return c.checkREST(ctx, slot)
}

func (c *Client) checkLive(ctx context.Context, slot Slot) (bool, bool) {
	got := make(chan bool, 1)
	unsubscribe := c.Subscribe(ctx, slot.City, slot.Date, func(v bool) {
		select {
		case got <- v:
		default:
		}
	})
	defer unsubscribe()

	timer := time.NewTimer(c.timing.CheckTimeout)
	defer timer.Stop()
	select {
	case v := <-got:
		return v, true
	case <-timer.C:
		c.logger.Debug().Str("slot", slot.Key()).Dur("timeout", c.timing.CheckTimeout).Msg("no live status in time")
		return false, false
	case <-ctx.Done():
		return false, false
	}
}

func (c *Client) checkREST(ctx context.Context, slot Slot) bool {
	v, err := c.cache.GetOrFetch(ctx, cache.CityKey(slot.City, slot.Date), func(ctx context.Context) (bool, error) {
		return c.rest.CityStatus(ctx, slot.City, slot.Date)
	}, cache.FetchOptions[bool]{
		TTL:      c.timing.CacheTTL,
		Timeout:  c.timing.FallbackTimeout,
		Fallback: cache.Fallback(false),
	})
	if err != nil {
		return false
	}
	return v
}

// CheckBatch answers many slots at once, keyed by "city:date". Duplicate
// slots collapse into one entry. Cached answers are reused, the rest is sent
// as a single batch_check; whatever the live channel leaves unanswered goes
// to the REST batch endpoint, and anything still unknown is false.
func (c *Client) CheckBatch(ctx context.Context, slots []Slot) map[string]bool {
	result := make(map[string]bool, len(slots))
	var missing []Slot
	seen := make(map[string]bool, len(slots))
	for _, s := range slots {
		s = normalize(s)
		k := s.Key()
		if seen[k] {
			continue
		}
		seen[k] = true
		if v, ok := c.cache.Peek(cache.CityKey(s.City, s.Date), c.timing.CacheTTL); ok {
			result[k] = v
			continue
		}
		missing = append(missing, s)
	}
	if len(missing) == 0 {
		return result
	}

	if err := c.Connect(ctx); err == nil {
		live := c.batchLive(ctx, missing)
		remaining := missing[:0:0]
		for _, s := range missing {
			if v, ok := live[s.Key()]; ok {
				result[s.Key()] = v
			} else {
				remaining = append(remaining, s)
			}
		}
		missing = remaining
	}
	if len(missing) == 0 {
		return result
	}

	rest := c.batchREST(ctx, missing)
	for _, s := range missing {
		result[s.Key()] = rest[s.Key()]
	}
	return result
}

func (c *Client) batchLive(ctx context.Context, slots []Slot) map[string]bool {
	id := uuid.NewString()
	got := make(chan map[string]bool, 1)

	c.mu.Lock()
	c.batchCallbacks[id] = func(m map[string]bool) { got <- m }
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.batchCallbacks, id)
		c.mu.Unlock()
	}()

	if err := c.send(wire.BatchCheck{RequestID: id, Requests: slots}); err != nil {
		c.logger.Debug().Err(err).Int("slots", len(slots)).Msg("batch_check not sent")
		return nil
	}

	timer := time.NewTimer(c.timing.BatchTimeout)
	defer timer.Stop()
	select {
	case m := <-got:
		return m
	case <-timer.C:
		c.logger.Debug().Str("request_id", id).Msg("batch_check unanswered")
		return nil
	case <-ctx.Done():
		return nil
	}
}

func (c *Client) batchREST(ctx context.Context, slots []Slot) map[string]bool {
	ctx, cancel := context.WithTimeout(ctx, c.timing.FallbackTimeout)
	defer cancel()

	res, err := c.rest.BatchCityAvailability(ctx, slots)
	if err != nil {
		c.logger.Debug().Err(err).Int("slots", len(slots)).Msg("REST batch failed, defaulting to unavailable")
		return nil
	}
	for _, s := range slots {
		if v, ok := res[s.Key()]; ok {
			c.cache.Set(cache.CityKey(s.City, s.Date), v)
		}
	}
	return res
}

// CheckAllCitiesEmpty reports whether no city is scheduled on date. A
// check_empty that is sent but never answered within EmptyTimeout reads as
// false; REST is used only when the live channel cannot be reached.
func (c *Client) CheckAllCitiesEmpty(ctx context.Context, date string) bool {
	date = normalize(Slot{Date: date}).Date
	key := cache.EmptyKey(date)
	if v, ok := c.cache.Peek(key, c.timing.CacheTTL); ok {
		return v
	}

	if err := c.Connect(ctx); err == nil {
		v, sent := c.emptyLive(ctx, date)
		if sent {
			return v
		}
	}

	v, err := c.cache.GetOrFetch(ctx, key, func(ctx context.Context) (bool, error) {
		return c.rest.AllCitiesEmpty(ctx, date)
	}, cache.FetchOptions[bool]{
		TTL:      c.timing.CacheTTL,
		Timeout:  c.timing.FallbackTimeout,
		Fallback: cache.Fallback(false),
	})
	if err != nil {
		return false
	}
	return v
}

func (c *Client) emptyLive(ctx context.Context, date string) (isEmpty, sent bool) {
	id := uuid.NewString()
	got := make(chan bool, 1)

	c.mu.Lock()
	c.emptyCallbacks[id] = func(v bool) { got <- v }
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.emptyCallbacks, id)
		c.mu.Unlock()
	}()

	if err := c.send(wire.CheckEmpty{RequestID: id, Date: date}); err != nil {
		c.logger.Debug().Err(err).Str("date", date).Msg("check_empty not sent")
		return false, false
	}

	timer := time.NewTimer(c.timing.EmptyTimeout)
	defer timer.Stop()
	select {
	case v := <-got:
		return v, true
	case <-timer.C:
		c.logger.Debug().Str("request_id", id).Msg("check_empty unanswered")
		return false, true
	case <-ctx.Done():
		return false, true
	}
}
