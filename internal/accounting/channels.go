package accounting

import (
	"context"
	"sync"

	"tradedeck/logger"
)

type ChannelStats struct {
	InSent     int64
	OutSent    int64
	InDropped  int64
	OutDropped int64
}

// Channels is the accounting boundary: a bounded inbound/outbound channel
// pair. Delivery is ordered per sender; there is no cross-channel atomicity,
// so a trade tick and an orders update sent close together may be processed in
// either relative order.
type Channels struct {
	In  chan Inbound
	Out chan Outbound

	stats      ChannelStats
	statsMutex sync.RWMutex
	log        *logger.Log
}

func NewChannels(inBufferSize, outBufferSize int) *Channels {
	log := logger.GetLogger()
	c := &Channels{
		In:  make(chan Inbound, inBufferSize),
		Out: make(chan Outbound, outBufferSize),
		log: log,
	}

	log.WithComponent("accounting_channels").WithFields(logger.Fields{
		"in_buffer_size":  inBufferSize,
		"out_buffer_size": outBufferSize,
	}).Info("accounting channels initialized")

	return c
}

func (c *Channels) Close() {
	close(c.In)
	close(c.Out)
	c.log.WithComponent("accounting_channels").Info("accounting channels closed")
}

func (c *Channels) incrementInSent() {
	c.statsMutex.Lock()
	c.stats.InSent++
	c.statsMutex.Unlock()
}

func (c *Channels) incrementOutSent() {
	c.statsMutex.Lock()
	c.stats.OutSent++
	c.statsMutex.Unlock()
}

func (c *Channels) incrementInDropped() {
	c.statsMutex.Lock()
	c.stats.InDropped++
	c.statsMutex.Unlock()
}

func (c *Channels) incrementOutDropped() {
	c.statsMutex.Lock()
	c.stats.OutDropped++
	c.statsMutex.Unlock()
}

// SendIn delivers a message to the engine, dropping it when the buffer is
// full. Price ticks are safe to drop; order updates carry the full history on
// every send, so a dropped one is corrected by the next.
func (c *Channels) SendIn(ctx context.Context, msg Inbound) bool {
	select {
	case c.In <- msg:
		c.incrementInSent()
		logger.RecordChannelMessage("accounting_in", 1)
		return true
	case <-ctx.Done():
		return false
	default:
		c.incrementInDropped()
		c.log.WithComponent("accounting_channels").WithFields(logger.Fields{
			"type": msg.inboundType(),
		}).Warn("inbound channel full, dropping message")
		return false
	}
}

// SendOut pushes an engine event toward the UI boundary.
func (c *Channels) SendOut(ctx context.Context, msg Outbound) bool {
	select {
	case c.Out <- msg:
		c.incrementOutSent()
		logger.RecordChannelMessage("accounting_out", 1)
		return true
	case <-ctx.Done():
		return false
	default:
		c.incrementOutDropped()
		c.log.WithComponent("accounting_channels").WithFields(logger.Fields{
			"type": msg.outboundType(),
		}).Warn("outbound channel full, dropping message")
		return false
	}
}

func (c *Channels) GetStats() ChannelStats {
	c.statsMutex.RLock()
	defer c.statsMutex.RUnlock()
	return c.stats
}
