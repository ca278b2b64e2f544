// Package command handles the operator chat-command channel.
package command

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/reelpipe/reelpipe/internal/orchestrator"
	"github.com/reelpipe/reelpipe/internal/pipeline"
	"github.com/reelpipe/reelpipe/internal/session"
	"github.com/reelpipe/reelpipe/internal/sources"
)

// deniedText is the fixed response for unauthorized issuers. It leaks
// nothing about which verbs exist.
const deniedText = "not authorized"

const helpText = `commands:
  /run                       publish the next unprocessed item
  /sources                   list configured sources
  /addsource <id> [tier]     add a source (tier: primary|fallback)
  /removesource <id>         remove a source
  /enablesource <id>         re-enable a disabled source
  /disablesource <id>        disable a source without removing it
  /reorder <id> <id> ...     set the source priority order
  /editmeta <id> <title>     retitle a published item
  /status                    session and pipeline status
  /dedupcount                processed item count
  /restart                   tear down and rebuild the watch session
  /help                      this text`

// Runner triggers a single pipeline run.
type Runner interface {
	RunOnce(ctx context.Context) (orchestrator.Result, error)
}

// SessionControl is the slice of the session machine commands need.
type SessionControl interface {
	State() session.State
	Restart()
}

// Options configures a Dispatcher.
type Options struct {
	Transport  pipeline.Transport
	Authorized []int64
	Runner     Runner
	Sources    *sources.List
	Ledger     pipeline.Ledger
	Session    SessionControl
	Publisher  pipeline.Publisher
	Creds      pipeline.CredentialSource
	Clock      pipeline.Clock
	Logger     *zap.Logger
}

// Dispatcher receives commands, authorizes, executes, and replies. Handle
// is serialized so command effects never interleave.
type Dispatcher struct {
	mu         sync.Mutex
	transport  pipeline.Transport
	authorized map[int64]struct{}
	runner     Runner
	sources    *sources.List
	ledger     pipeline.Ledger
	session    SessionControl
	publisher  pipeline.Publisher
	creds      pipeline.CredentialSource
	clock      pipeline.Clock
	logger     *zap.Logger
}

// New builds a Dispatcher. At least one authorized issuer is required;
// an empty allowlist would brick the command channel silently.
func New(opts Options) (*Dispatcher, error) {
	if opts.Transport == nil {
		return nil, fmt.Errorf("dispatcher transport is required")
	}
	if len(opts.Authorized) == 0 {
		return nil, &pipeline.ConfigurationError{Field: "transport.authorized", Reason: "at least one issuer id is required"}
	}
	if opts.Clock == nil {
		return nil, fmt.Errorf("dispatcher clock is required")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	authorized := make(map[int64]struct{}, len(opts.Authorized))
	for _, id := range opts.Authorized {
		authorized[id] = struct{}{}
	}
	return &Dispatcher{
		transport:  opts.Transport,
		authorized: authorized,
		runner:     opts.Runner,
		sources:    opts.Sources,
		ledger:     opts.Ledger,
		session:    opts.Session,
		publisher:  opts.Publisher,
		creds:      opts.Creds,
		clock:      opts.Clock,
		logger:     opts.Logger,
	}, nil
}

// Run receives and handles commands until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		cmd, err := d.transport.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			d.logger.Warn("receive command failed", zap.Error(err))
			continue
		}
		resp := d.Handle(ctx, cmd)
		if err := d.transport.Send(ctx, resp); err != nil {
			d.logger.Warn("send response failed",
				zap.String("command_id", cmd.ID),
				zap.Error(err),
			)
		}
	}
}

// Handle authorizes and executes one command, always producing a response.
func (d *Dispatcher) Handle(ctx context.Context, cmd pipeline.Command) pipeline.Response {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.authorized[cmd.Issuer]; !ok {
		d.logger.Warn("unauthorized command",
			zap.Int64("issuer", cmd.Issuer),
			zap.String("verb", cmd.Verb),
		)
		return pipeline.Response{CommandID: cmd.ID, Text: deniedText}
	}

	fields := []zap.Field{
		zap.Int64("issuer", cmd.Issuer),
		zap.String("verb", cmd.Verb),
	}
	if !cmd.ReceivedAt.IsZero() {
		fields = append(fields, zap.Duration("queue_delay", d.clock.Now().Sub(cmd.ReceivedAt)))
	}
	d.logger.Info("handling command", fields...)
	text := d.execute(ctx, cmd)
	return pipeline.Response{CommandID: cmd.ID, Text: text}
}

func (d *Dispatcher) execute(ctx context.Context, cmd pipeline.Command) string {
	switch strings.TrimPrefix(cmd.Verb, "/") {
	case "start", "help":
		return helpText
	case "run":
		return d.runPipeline(ctx)
	case "sources":
		return d.listSources()
	case "addsource":
		return d.addSource(ctx, cmd.Args)
	case "removesource":
		return d.removeSource(ctx, cmd.Args)
	case "enablesource":
		return d.setSourceEnabled(ctx, cmd.Args, true)
	case "disablesource":
		return d.setSourceEnabled(ctx, cmd.Args, false)
	case "reorder":
		return d.reorderSources(ctx, cmd.Args)
	case "editmeta":
		return d.editMetadata(ctx, cmd.Args)
	case "status":
		return d.status(ctx)
	case "dedupcount":
		return d.dedupCount(ctx)
	case "restart":
		d.session.Restart()
		return "session restart requested"
	default:
		return fmt.Sprintf("unknown command %q, try /help", cmd.Verb)
	}
}

func (d *Dispatcher) runPipeline(ctx context.Context) string {
	res, err := d.runner.RunOnce(ctx)
	switch {
	case errors.Is(err, pipeline.ErrBusy):
		return "a run is already in progress"
	case err != nil:
		return fmt.Sprintf("run failed: %v", err)
	case res.Published:
		return fmt.Sprintf("published %s (remote id %s)", res.Fingerprint, res.RemoteID)
	default:
		return "nothing left to publish, all sources exhausted"
	}
}

func (d *Dispatcher) listSources() string {
	snapshot := d.sources.Snapshot()
	if len(snapshot) == 0 {
		return "no sources configured"
	}
	var b strings.Builder
	for i, s := range snapshot {
		state := "enabled"
		if !s.Enabled {
			state = "disabled"
		}
		fmt.Fprintf(&b, "%d. %s (%s, %s)\n", i+1, s.ID, s.Tier, state)
	}
	return strings.TrimRight(b.String(), "\n")
}

func (d *Dispatcher) addSource(ctx context.Context, args []string) string {
	if len(args) < 1 {
		return "usage: /addsource <id> [primary|fallback]"
	}
	tier := pipeline.TierFallback
	if len(args) > 1 {
		tier = pipeline.Tier(args[1])
	}
	if err := d.sources.Add(ctx, args[0], tier); err != nil {
		return fmt.Sprintf("add source: %v", err)
	}
	return fmt.Sprintf("added %s (%s)", args[0], tier)
}

func (d *Dispatcher) removeSource(ctx context.Context, args []string) string {
	if len(args) != 1 {
		return "usage: /removesource <id>"
	}
	if err := d.sources.Remove(ctx, args[0]); err != nil {
		return fmt.Sprintf("remove source: %v", err)
	}
	return fmt.Sprintf("removed %s", args[0])
}

func (d *Dispatcher) setSourceEnabled(ctx context.Context, args []string, enabled bool) string {
	verb, done := "enable", "enabled"
	if !enabled {
		verb, done = "disable", "disabled"
	}
	if len(args) != 1 {
		return fmt.Sprintf("usage: /%ssource <id>", verb)
	}
	if err := d.sources.SetEnabled(ctx, args[0], enabled); err != nil {
		return fmt.Sprintf("%s source: %v", verb, err)
	}
	return fmt.Sprintf("%s %s", done, args[0])
}

func (d *Dispatcher) reorderSources(ctx context.Context, args []string) string {
	if len(args) == 0 {
		return "usage: /reorder <id> <id> ..."
	}
	if err := d.sources.Reorder(ctx, args); err != nil {
		return fmt.Sprintf("reorder sources: %v", err)
	}
	return "sources reordered"
}

func (d *Dispatcher) editMetadata(ctx context.Context, args []string) string {
	if len(args) < 2 {
		return "usage: /editmeta <remote-id> <new title>"
	}
	cred, err := d.creds.ActiveHandle(ctx)
	if err != nil {
		return fmt.Sprintf("edit metadata: %v", err)
	}
	meta := pipeline.Metadata{Title: strings.Join(args[1:], " ")}
	if err := d.publisher.UpdateMetadata(ctx, args[0], meta, cred); err != nil {
		return fmt.Sprintf("edit metadata: %v", err)
	}
	return fmt.Sprintf("updated %s", args[0])
}

func (d *Dispatcher) status(ctx context.Context) string {
	count, err := d.ledger.Count(ctx)
	dedup := fmt.Sprintf("%d", count)
	if err != nil {
		dedup = fmt.Sprintf("unavailable (%v)", err)
	}
	return fmt.Sprintf("session: %s\nsources: %d\nprocessed: %s\ntime: %s",
		d.session.State(),
		len(d.sources.Snapshot()),
		dedup,
		d.clock.Now().Format(time.RFC3339),
	)
}

func (d *Dispatcher) dedupCount(ctx context.Context) string {
	count, err := d.ledger.Count(ctx)
	if err != nil {
		return fmt.Sprintf("dedup count: %v", err)
	}
	return fmt.Sprintf("%d items processed", count)
}
