package telegram

import (
	"context"
	"time"

	"github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/PaulSonOfLars/gotgbot/v2/ext"
	"github.com/rs/zerolog"

	"chatgate/internal/metrics"
	"chatgate/internal/queue"
)

// Processor drops updates telegram delivers more than once, then hands the
// rest to the base processor.
type Processor struct {
	Base          ext.BaseProcessor
	Dedupe        *queue.UpdateDeduplicator
	DedupeTimeout time.Duration
	Metrics       *metrics.Metrics
	Logger        zerolog.Logger
}

func (p Processor) ProcessUpdate(d *ext.Dispatcher, b *gotgbot.Bot, ctx *ext.Context) error {
	if p.Metrics != nil {
		p.Metrics.UpdatesTotal.Inc()
	}
	if p.Dedupe != nil && !p.firstDelivery(ctx.UpdateId) {
		return nil
	}
	return p.Base.ProcessUpdate(d, b, ctx)
}

// firstDelivery fails open so a redis outage does not silence the bot.
func (p Processor) firstDelivery(updateID int64) bool {
	timeout := p.DedupeTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	first, err := p.Dedupe.MarkFirst(ctx, updateID)
	if err != nil {
		p.Logger.Error().Err(err).Int64("update_id", updateID).Msg("failed to dedupe update")
		return true
	}
	if !first {
		p.Logger.Debug().Int64("update_id", updateID).Msg("duplicate update skipped")
	}
	return first
}
