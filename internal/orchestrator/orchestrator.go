// Package orchestrator runs the select-download-enrich-publish-record
// sequence for one item per invocation.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/reelpipe/reelpipe/internal/events"
	"github.com/reelpipe/reelpipe/internal/metrics"
	"github.com/reelpipe/reelpipe/internal/pipeline"
	"github.com/reelpipe/reelpipe/internal/selector"
	"github.com/reelpipe/reelpipe/internal/sources"
)

// Result describes the outcome of one RunOnce invocation.
type Result struct {
	Published   bool
	Fingerprint pipeline.Fingerprint
	RemoteID    string
}

// Options configures an Orchestrator.
type Options struct {
	Sources  *sources.List
	Selector *selector.Selector
	Fetcher  pipeline.Fetcher
	Spool    pipeline.BlobStore
	Enricher pipeline.Enricher
	Creds    pipeline.CredentialSource
	Pub      pipeline.Publisher
	Ledger   pipeline.Ledger
	Events   *events.Hub
	Clock    pipeline.Clock
	Logger   *zap.Logger

	// CallTimeout bounds each external call inside a run.
	CallTimeout time.Duration
	// BlacklistPermanentFailures records permanently failing items in the
	// ledger so they are never selected again.
	BlacklistPermanentFailures bool
}

// Orchestrator is the single-flight pipeline runner. Overlapping RunOnce
// calls are rejected with ErrBusy instead of queueing.
type Orchestrator struct {
	mu   sync.Mutex
	opts Options
}

// New validates the wiring and builds an Orchestrator.
func New(opts Options) (*Orchestrator, error) {
	switch {
	case opts.Sources == nil:
		return nil, fmt.Errorf("orchestrator sources are required")
	case opts.Selector == nil:
		return nil, fmt.Errorf("orchestrator selector is required")
	case opts.Fetcher == nil:
		return nil, fmt.Errorf("orchestrator fetcher is required")
	case opts.Spool == nil:
		return nil, fmt.Errorf("orchestrator spool is required")
	case opts.Enricher == nil:
		return nil, fmt.Errorf("orchestrator enricher is required")
	case opts.Creds == nil:
		return nil, fmt.Errorf("orchestrator credential source is required")
	case opts.Pub == nil:
		return nil, fmt.Errorf("orchestrator publisher is required")
	case opts.Ledger == nil:
		return nil, fmt.Errorf("orchestrator ledger is required")
	case opts.Clock == nil:
		return nil, fmt.Errorf("orchestrator clock is required")
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 2 * time.Minute
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	metrics.Init()
	return &Orchestrator{opts: opts}, nil
}

// RunOnce publishes at most one item. When every source is exhausted it
// returns a zero Result and no error. A concurrent run returns ErrBusy.
func (o *Orchestrator) RunOnce(ctx context.Context) (Result, error) {
	if !o.mu.TryLock() {
		metrics.RunsTotal.WithLabelValues("skipped").Inc()
		o.emit(ctx, events.Event{Kind: events.KindRunSkipped, Detail: "already running"})
		return Result{}, pipeline.ErrBusy
	}
	defer o.mu.Unlock()

	start := o.opts.Clock.Now()
	res, err := o.run(ctx)
	elapsed := o.opts.Clock.Now().Sub(start)
	metrics.RunDuration.Observe(elapsed.Seconds())
	logger := o.opts.Logger.With(zap.Duration("elapsed", elapsed))
	switch {
	case err != nil:
		metrics.RunsTotal.WithLabelValues("failed").Inc()
		logger.Error("pipeline run failed", zap.Error(err))
		o.emit(ctx, events.Event{Kind: events.KindRunFailed, Detail: err.Error()})
	case res.Published:
		metrics.RunsTotal.WithLabelValues("published").Inc()
		logger.Info("pipeline run published",
			zap.String("fingerprint", string(res.Fingerprint)),
			zap.String("remote_id", res.RemoteID),
		)
	default:
		metrics.RunsTotal.WithLabelValues("empty").Inc()
		logger.Info("pipeline run found nothing to publish")
	}
	return res, err
}

// Prepare spools the next candidate's payload ahead of its publish slot
// without publishing or recording anything. Running it twice is harmless;
// the candidate stays selectable until a publish records it.
func (o *Orchestrator) Prepare(ctx context.Context) error {
	if !o.mu.TryLock() {
		return pipeline.ErrBusy
	}
	defer o.mu.Unlock()

	item, err := o.selectCandidate(ctx)
	if err != nil {
		return err
	}
	if item == nil {
		o.opts.Logger.Info("nothing to prepare, all sources exhausted")
		return nil
	}
	uri, err := o.spoolPayload(ctx, *item)
	if err != nil {
		return o.handleItemError(ctx, *item, err)
	}
	o.opts.Logger.Info("candidate prepared",
		zap.String("fingerprint", string(item.Fingerprint)),
		zap.String("payload_uri", uri),
	)
	return nil
}

func (o *Orchestrator) run(ctx context.Context) (Result, error) {
	item, err := o.selectCandidate(ctx)
	if err != nil {
		return Result{}, err
	}
	if item == nil {
		return Result{}, nil
	}

	payloadURI, err := o.spoolPayload(ctx, *item)
	if err != nil {
		return Result{}, o.handleItemError(ctx, *item, err)
	}

	meta, err := o.enrich(ctx, *item)
	if err != nil {
		return Result{}, o.handleItemError(ctx, *item, err)
	}

	remoteID, err := o.publish(ctx, payloadURI, meta)
	if err != nil {
		return Result{}, o.handleItemError(ctx, *item, err)
	}

	// The durable record is the commit point; a crash before this line
	// republishes the item once after restart.
	recordCtx, cancel := o.callCtx(ctx)
	err = o.opts.Ledger.Record(recordCtx, item.Fingerprint, pipeline.OutcomeSuccess)
	cancel()
	if err != nil {
		return Result{}, fmt.Errorf("record published item: %w", err)
	}

	o.emit(ctx, events.Event{
		Kind:        events.KindItemPublished,
		Fingerprint: string(item.Fingerprint),
		Source:      item.SourceID,
	})
	return Result{Published: true, Fingerprint: item.Fingerprint, RemoteID: remoteID}, nil
}

func (o *Orchestrator) selectCandidate(ctx context.Context) (*pipeline.Item, error) {
	callCtx, cancel := o.callCtx(ctx)
	defer cancel()
	item, err := o.opts.Selector.NextCandidate(callCtx, o.opts.Sources.Snapshot(), o.opts.Ledger)
	if err != nil {
		return nil, fmt.Errorf("select candidate: %w", err)
	}
	return item, nil
}

func (o *Orchestrator) spoolPayload(ctx context.Context, item pipeline.Item) (string, error) {
	callCtx, cancel := o.callCtx(ctx)
	defer cancel()
	payload, err := o.opts.Fetcher.Download(callCtx, item)
	if err != nil {
		return "", fmt.Errorf("download payload: %w", err)
	}
	day := o.opts.Clock.Now().Format("2006/01/02")
	name := path.Join(day, fmt.Sprintf("%s-%s.mp4", item.Fingerprint, uuid.NewString()[:8]))
	uri, err := o.opts.Spool.PutObject(callCtx, name, "video/mp4", payload)
	if err != nil {
		return "", fmt.Errorf("spool payload: %w", err)
	}
	return uri, nil
}

func (o *Orchestrator) enrich(ctx context.Context, item pipeline.Item) (pipeline.Metadata, error) {
	callCtx, cancel := o.callCtx(ctx)
	defer cancel()
	meta, err := o.opts.Enricher.GenerateMetadata(callCtx, item)
	if err != nil {
		return pipeline.Metadata{}, fmt.Errorf("generate metadata: %w", err)
	}
	return meta, nil
}

// publish uploads with the active credential. An auth-expired failure gets
// exactly one transparent retry after re-resolving the handle; a second
// failure surfaces.
func (o *Orchestrator) publish(ctx context.Context, payloadURI string, meta pipeline.Metadata) (string, error) {
	remoteID, err := o.publishOnce(ctx, payloadURI, meta)
	if err == nil {
		return remoteID, nil
	}
	if !pipeline.IsAuthExpired(err) {
		return "", err
	}
	o.opts.Logger.Warn("publish hit expired auth, retrying with fresh credential", zap.Error(err))
	return o.publishOnce(ctx, payloadURI, meta)
}

func (o *Orchestrator) publishOnce(ctx context.Context, payloadURI string, meta pipeline.Metadata) (string, error) {
	callCtx, cancel := o.callCtx(ctx)
	defer cancel()
	cred, err := o.opts.Creds.ActiveHandle(callCtx)
	if err != nil {
		return "", fmt.Errorf("resolve credential: %w", err)
	}
	remoteID, err := o.opts.Pub.Publish(callCtx, payloadURI, meta, cred)
	if err != nil {
		return "", fmt.Errorf("publish: %w", err)
	}
	return remoteID, nil
}

// handleItemError applies the permanent-failure policy. Transient and auth
// failures leave the ledger untouched so the item is retried next run.
func (o *Orchestrator) handleItemError(ctx context.Context, item pipeline.Item, err error) error {
	var perm *pipeline.PermanentItemError
	if !errors.As(err, &perm) {
		return err
	}
	if !o.opts.BlacklistPermanentFailures {
		o.opts.Logger.Warn("item failed permanently, leaving unrecorded",
			zap.String("fingerprint", string(item.Fingerprint)),
			zap.String("reason", perm.Reason),
		)
		return err
	}
	callCtx, cancel := o.callCtx(ctx)
	defer cancel()
	if recErr := o.opts.Ledger.Record(callCtx, item.Fingerprint, pipeline.OutcomeBlacklisted); recErr != nil {
		return fmt.Errorf("blacklist %s: %w (cause: %w)", item.Fingerprint, recErr, err)
	}
	o.opts.Logger.Warn("item blacklisted",
		zap.String("fingerprint", string(item.Fingerprint)),
		zap.String("reason", perm.Reason),
	)
	o.emit(ctx, events.Event{
		Kind:        events.KindItemBlacklisted,
		Fingerprint: string(item.Fingerprint),
		Source:      item.SourceID,
		Detail:      perm.Reason,
	})
	return err
}

func (o *Orchestrator) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, o.opts.CallTimeout)
}

func (o *Orchestrator) emit(ctx context.Context, ev events.Event) {
	if o.opts.Events != nil {
		o.opts.Events.Emit(ctx, ev)
	}
}
