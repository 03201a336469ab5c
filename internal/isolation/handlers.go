package isolation

import (
	"context"
	"fmt"
	"net"

	"github.com/pkg/errors"

	"isolator/internal/control"
	"isolator/internal/domain"
	"isolator/internal/logctx"
	"isolator/internal/snapshot"
)

// handleInline answers the requests that never block. HEALTH works before
// activation; SHUTDOWN is only honoured from loopback peers.
func (c *Coordinator) handleInline(req *control.Request, peer net.Addr) (*control.Response, bool) {
	switch control.Action(req.Action) {
	case control.ActionHealth:
		res := reply(req, control.StatusOK, "")
		res.Health = &control.HealthResponse{
			Ok:        true,
			Initiated: c.initiated.Load(),
			Message:   fmt.Sprintf("%d partitions tracked", c.tracker.Len()),
		}
		return res, true
	case control.ActionShutdown:
		if !isLoopback(peer) {
			c.logger.Warn().Str("peer", peer.String()).Msg("rejected remote shutdown request")
			return reply(req, control.StatusBadRequest, "shutdown is only accepted from loopback peers"), true
		}
		c.logger.Info().Str("peer", peer.String()).Msg("shutdown requested")
		go func() { _ = c.Stop() }()
		return reply(req, control.StatusOK, ""), true
	}
	if !c.initiated.Load() {
		return reply(req, control.StatusNotReady, ErrNotInitiated.Error()), true
	}
	return nil, false
}

func (c *Coordinator) handle(ctx context.Context, req *control.Request) *control.Response {
	key := domain.PartitionKey{Stream: req.TopicName, Partition: int(req.PartitionId)}
	ctx = c.partitionContext(ctx, key.Stream, key.Partition)
	switch control.Action(req.Action) {
	case control.ActionStart:
		return c.handleStart(ctx, req, key)
	case control.ActionStop:
		return c.handleStop(ctx, req, key)
	case control.ActionReport:
		return c.handleReport(ctx, req, key)
	case control.ActionMetadata:
		return c.handleMetadata(ctx, req, key)
	default:
		return reply(req, control.StatusBadRequest, "unsupported action")
	}
}

func (c *Coordinator) handleStart(ctx context.Context, req *control.Request, key domain.PartitionKey) *control.Response {
	cfg, err := c.resolve(key.Stream)
	if err != nil {
		return reply(req, control.StatusBadRequest, err.Error())
	}
	logger := logctx.FromContext(ctx)
	entry, created := c.tracker.Subscribe(key)
	if err := c.consumer.StartConsumption(ctx, cfg, key.Partition); err != nil {
		if created {
			c.tracker.Remove(key, entry)
		}
		logger.Error().Err(err).Msg("start consumption failed")
		return reply(req, control.StatusError, err.Error())
	}
	logger.Info().Msg("partition subscribed")
	return reply(req, control.StatusOK, "")
}

// handleStop halts consumption and closes the partition. A pending
// subscription is failed so waiting REPORT requests return. A partition that
// is neither tracked nor consuming answers NOT_SUBSCRIBED.
func (c *Coordinator) handleStop(ctx context.Context, req *control.Request, key domain.PartitionKey) *control.Response {
	cfg, err := c.resolve(key.Stream)
	if err != nil {
		return reply(req, control.StatusBadRequest, err.Error())
	}
	if _, tracked := c.tracker.Lookup(key); !tracked && !c.consumer.IsConsuming(cfg.Name, key.Partition) {
		return reply(req, control.StatusNotSubscribed, fmt.Sprintf("partition %s is not subscribed", key))
	}
	if err := c.stopAndClose(ctx, cfg, key.Partition, c.settings.CompletionStop, "stop"); err != nil {
		return reply(req, control.StatusError, err.Error())
	}
	if entry, ok := c.tracker.Lookup(key); ok && entry.Claim() {
		_ = entry.Fail(domain.Report{Stream: key.Stream, Partition: key.Partition, Status: domain.ReportStatusStopped, ErrorMessage: ErrPartitionStopped.Error()}, ErrPartitionStopped)
		c.tracker.Remove(key, entry)
	}
	return reply(req, control.StatusOK, "")
}

// handleReport runs the completion sequence, or joins the one already in
// flight for the partition, and answers with the resulting report.
func (c *Coordinator) handleReport(ctx context.Context, req *control.Request, key domain.PartitionKey) *control.Response {
	entry, _ := c.tracker.Subscribe(key)
	if entry.Claim() {
		c.complete(ctx, entry, domain.Report{Stream: key.Stream, Partition: key.Partition})
	}
	r, err := entry.Wait(ctx)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return reply(req, control.StatusError, errors.Wrap(ctxErr, "waiting for partition report").Error())
	}
	res := reply(req, control.StatusOK, "")
	if err != nil {
		res.StatusCode = int32(control.StatusError)
		res.ErrorMessage = err.Error()
	}
	tr := control.ToTaskReport(r)
	res.Report = tr
	payload, merr := control.MarshalMessage(tr)
	if merr != nil {
		return reply(req, control.StatusError, merr.Error())
	}
	res.Payload = payload
	return res
}

func (c *Coordinator) handleMetadata(ctx context.Context, req *control.Request, key domain.PartitionKey) *control.Response {
	meta, err := snapshot.Build(ctx, c.meta, key.Stream, key.Partition, false)
	if err != nil {
		return reply(req, control.StatusError, err.Error())
	}
	payload, err := snapshot.Marshal(meta)
	if err != nil {
		return reply(req, control.StatusError, err.Error())
	}
	res := reply(req, control.StatusOK, "")
	res.Payload = payload
	return res
}
