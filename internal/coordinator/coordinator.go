// Package coordinator implements the per-audit coordinator: bootstrap,
// ACK counting, stage advancement, and dispatch of discovered items. It
// owns no workers and no network I/O of its own — it only decides what
// needs to run next and publishes that decision to the bus, the same
// separation of concerns a dispatcher/worker-pool split makes between
// deciding and executing.
package coordinator

import (
	"context"
	"sync"

	"github.com/riftsec/auditcore/internal/auditdb"
	"github.com/riftsec/auditcore/internal/auditerrors"
	"github.com/riftsec/auditcore/internal/bus"
	"github.com/riftsec/auditcore/internal/config"
	"github.com/riftsec/auditcore/internal/data"
	"github.com/riftsec/auditcore/internal/logger"
	"github.com/riftsec/auditcore/internal/plugins"
)

// pluginSource is the slice of *plugins.Registry the coordinator needs.
// Narrowed to an interface so tests can exercise the stage-advancement
// and dispatch logic with small fixtures instead of walking real
// descriptor folders.
type pluginSource interface {
	MinStage() plugins.Stage
	MaxStage() plugins.Stage
	AtStage(stage plugins.Stage) []*plugins.Info
	GetPluginByName(name string) (*plugins.Info, bool)
}

// scopeChecker is the one scope.Scope method the coordinator consults.
type scopeChecker interface {
	IsItemIn(item *data.Item) bool
}

// DispatchPayload is the DATA message payload the coordinator publishes
// when it wants a batch of items run through a set of plugins at a given
// stage.
type DispatchPayload struct {
	Stage       plugins.Stage
	Items       []*data.Item
	PluginNames []string
}

// WorkerResultPayload is what a worker (or the orchestrator relaying on
// its behalf) publishes back to the coordinator after a plugin call: the
// items the call produced (if any) and which plugin produced them. An
// empty PluginName means "these are the initial seed items", which
// bypasses the per-plugin finished bookkeeping entirely.
type WorkerResultPayload struct {
	PluginName string
	Items      []*data.Item
}

// Coordinator runs the stage machine for one audit.
type Coordinator struct {
	auditName string
	cfg       *config.AuditConfig
	store     auditdb.Store
	registry  pluginSource
	scope     scopeChecker
	bus       *bus.Bus

	mu            sync.Mutex
	currentStage  plugins.Stage
	expectingACK  int
	reportStarted bool
	linksUsed     int
	linksWarned   bool

	// inFlight holds the identities of every item dispatched at
	// currentStage during the round currently awaiting ACKs. Once
	// expecting_ack drains to zero, every one of them is marked finished
	// at currentStage before the stage scan resumes — otherwise
	// GetPending would keep handing the same batch back forever.
	inFlight map[string]struct{}

	doneOnce sync.Once
	done     chan struct{}
}

// New builds a Coordinator for one audit. The bus receiver id the
// coordinator listens and replies under is auditName itself — every
// worker-facing message it sends carries auditName as SenderID and every
// message it expects carries auditName as ReceiverID.
func New(auditName string, cfg *config.AuditConfig, store auditdb.Store, registry pluginSource, sc scopeChecker, b *bus.Bus) *Coordinator {
	return &Coordinator{
		auditName: auditName,
		cfg:       cfg,
		store:     store,
		registry:  registry,
		scope:     sc,
		bus:       b,
		inFlight:  make(map[string]struct{}),
		done:      make(chan struct{}),
	}
}

// ReceiverID is the bus id this coordinator's inbound queue is addressed
// under (ACKs and discovered-item DATA messages from workers).
func (c *Coordinator) ReceiverID() string { return c.auditName }

// Done closes once the coordinator has published CONTROL/STOP_AUDIT.
func (c *Coordinator) Done() <-chan struct{} { return c.done }

// Status snapshots the coordinator's stage-machine state for read-only
// reporting; it never affects scheduling and takes the same lock advance
// does.
type Status struct {
	AuditName      string
	CurrentStage   plugins.Stage
	ExpectingACK   int
	ReportStarted  bool
	InFlightCount  int
}

// Status returns a point-in-time snapshot, safe to call from any goroutine.
func (c *Coordinator) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Status{
		AuditName:     c.auditName,
		CurrentStage:  c.currentStage,
		ExpectingACK:  c.expectingACK,
		ReportStarted: c.reportStarted,
		InFlightCount: len(c.inFlight),
	}
}

// Bootstrap interns the initial target items and emits the first DATA
// message straight to every recon-stage plugin, bypassing GetPending and
// is_runnable_stage entirely for this one call — a deliberate, documented
// departure from the normal dispatch path (preserved historical
// shortcut, not a bug: the very first batch has no prior stage state to
// consult).
func (c *Coordinator) Bootstrap(seeds []*data.Item) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	interned := make([]*data.Item, 0, len(seeds))
	for _, it := range seeds {
		if _, err := c.store.Add(it); err != nil {
			return auditerrors.Fatal("coordinator: failed to intern seed item", err)
		}
		interned = append(interned, it)
	}

	c.currentStage = c.registry.MinStage()
	runnable := c.registry.AtStage(c.currentStage)
	if len(runnable) == 0 {
		return c.advanceLocked()
	}

	names := pluginNames(runnable)
	c.expectingACK += len(names)
	c.trackInFlight(interned)
	c.publishDispatch(DispatchPayload{Stage: c.currentStage, Items: interned, PluginNames: names})
	return nil
}

// Run drains this coordinator's bus queue until ctx is canceled or the
// audit finishes (Done closes).
func (c *Coordinator) Run(ctx context.Context) {
	queue := c.bus.Queue(c.auditName)
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case msg := <-queue:
			c.handle(msg)
		}
	}
}

func (c *Coordinator) handle(msg *bus.Message) {
	switch {
	case msg.Type == bus.TypeControl && msg.Code == bus.CodeACK:
		c.onACK()
	case msg.Type == bus.TypeData && msg.Code == bus.CodeItems:
		payload, ok := msg.Payload.(WorkerResultPayload)
		if !ok {
			logger.Coordinator().Warn().Str("audit", c.auditName).Msg("coordinator: rejecting malformed DATA payload")
			return
		}
		c.dispatch(payload)
	default:
		logger.Coordinator().Warn().Str("audit", c.auditName).Str("type", string(msg.Type)).Str("code", string(msg.Code)).Msg("coordinator: rejecting unexpected message")
	}
}

// onACK implements acknowledgement counting: every inbound ACK
// decrements expecting_ack; stage advancement is triggered exactly when
// it reaches zero.
func (c *Coordinator) onACK() {
	c.mu.Lock()
	c.expectingACK--
	ready := c.expectingACK <= 0
	c.mu.Unlock()
	if ready {
		c.advance()
	}
}

// dispatch interns discovered items breadth-first, applies the
// max_links budget, marks the producing plugin finished when it is
// non-recursive, routes in-scope items to notification and
// out-of-scope items straight to a finished stage, then publishes the
// notified batch.
func (c *Coordinator) dispatch(payload WorkerResultPayload) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var toNotify []*data.Item
	queue := append([]*data.Item{}, payload.Items...)
	visited := make(map[string]struct{})

	producerNonRecursive := false
	if payload.PluginName != "" {
		if info, ok := c.registry.GetPluginByName(payload.PluginName); ok {
			producerNonRecursive = !info.Recursive
		}
	}

	for len(queue) > 0 {
		it := queue[0]
		queue = queue[1:]

		if _, seen := visited[it.Identity()]; seen {
			continue
		}
		visited[it.Identity()] = struct{}{}

		// max_links is enforced before the item reaches the store, and a
		// newly inserted URL is counted before the scope check (Open Question: the budget governs
		// how many URLs the audit will ever intern, not how many end up
		// in scope).
		if it.Subtype() == data.SubtypeURL {
			alreadyKnown, err := c.store.Has(it.Identity())
			if err != nil {
				logger.Coordinator().Error().Err(err).Str("audit", c.auditName).Msg("coordinator: database read failed, aborting audit")
				return
			}
			if !alreadyKnown && c.cfg.MaxLinks > 0 && c.linksUsed >= c.cfg.MaxLinks {
				if !c.linksWarned {
					c.linksWarned = true
					c.publishWarning("max_links budget exceeded, dropping further discovered URLs")
				}
				continue
			}
		}

		result, err := c.store.Add(it)
		if err != nil {
			logger.Coordinator().Error().Err(err).Str("audit", c.auditName).Msg("coordinator: database write failed, aborting audit")
			return
		}
		if result == auditdb.Inserted && it.Subtype() == data.SubtypeURL {
			c.linksUsed++
		}

		if producerNonRecursive {
			if err := c.store.MarkPluginFinished(it.Identity(), payload.PluginName); err != nil {
				logger.Coordinator().Error().Err(err).Msg("coordinator: failed to record plugin-finished bit")
			}
		}

		if c.scope.IsItemIn(it) {
			toNotify = append(toNotify, it)
		} else if err := c.store.MarkStageFinished(it.Identity(), int(plugins.MaxTestingStage)); err != nil {
			logger.Coordinator().Error().Err(err).Msg("coordinator: failed to mark out-of-scope item finished")
		}

		queue = append(queue, it.Discovery()...)
	}

	if len(toNotify) == 0 {
		return
	}

	runnable := runnablePluginsFor(c.registry.AtStage(c.currentStage), toNotify)
	if len(runnable) == 0 {
		return
	}

	names := pluginNames(runnable)
	c.expectingACK += len(names)
	c.trackInFlight(toNotify)
	c.publishDispatch(DispatchPayload{Stage: c.currentStage, Items: toNotify, PluginNames: names})
}

// advance is the public entry point for stage advancement, guarded by
// the expecting_ack==0 precondition.
func (c *Coordinator) advance() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.expectingACK > 0 {
		return
	}
	c.settleInFlight()
	if err := c.advanceLocked(); err != nil {
		logger.Coordinator().Error().Err(err).Str("audit", c.auditName).Msg("coordinator: stage advancement failed")
	}
}

// settleInFlight marks every item dispatched in the round that just
// drained its ACKs as finished at the stage it was dispatched under, then
// clears the set. Caller must hold c.mu.
func (c *Coordinator) settleInFlight() {
	if len(c.inFlight) == 0 {
		return
	}
	for id := range c.inFlight {
		if err := c.store.MarkStageFinished(id, int(c.currentStage)); err != nil {
			logger.Coordinator().Error().Err(err).Str("identity", id).Msg("coordinator: failed to settle in-flight item")
		}
	}
	c.inFlight = make(map[string]struct{})
}

func (c *Coordinator) trackInFlight(items []*data.Item) {
	for _, it := range items {
		c.inFlight[it.Identity()] = struct{}{}
	}
}

// advanceLocked walks stages from currentStage up to MaxStage, then runs
// the one-shot report stage, then emits CONTROL/STOP_AUDIT. Caller must
// hold c.mu.
func (c *Coordinator) advanceLocked() error {
	for stage := c.currentStage; stage <= c.registry.MaxStage(); stage++ {
		pending, err := c.store.GetPending(int(stage))
		if err != nil {
			return auditerrors.Fatal("coordinator: GetPending failed", err)
		}
		if len(pending) == 0 {
			continue
		}

		items, err := c.resolveItems(pending)
		if err != nil {
			return err
		}

		runnable := runnablePluginsFor(c.registry.AtStage(stage), items)
		if len(runnable) == 0 {
			for _, id := range pending {
				if err := c.store.MarkStageFinished(id, int(stage)); err != nil {
					return auditerrors.Fatal("coordinator: MarkStageFinished failed", err)
				}
			}
			continue
		}

		c.currentStage = stage
		names := pluginNames(runnable)
		c.expectingACK += len(names)
		c.trackInFlight(items)
		c.publishDispatch(DispatchPayload{Stage: stage, Items: items, PluginNames: names})
		return nil
	}

	if !c.reportStarted {
		c.reportStarted = true
		c.currentStage = plugins.StageReport
		reportPlugins := c.registry.AtStage(plugins.StageReport)
		if len(reportPlugins) == 0 {
			c.publishStopAudit()
			return nil
		}
		names := pluginNames(reportPlugins)
		c.expectingACK += len(names)
		c.publishDispatch(DispatchPayload{Stage: plugins.StageReport, PluginNames: names})
		return nil
	}

	c.publishStopAudit()
	return nil
}

func (c *Coordinator) resolveItems(identities []string) ([]*data.Item, error) {
	items := make([]*data.Item, 0, len(identities))
	for _, id := range identities {
		it, ok, err := c.store.Get(id)
		if err != nil {
			return nil, auditerrors.Fatal("coordinator: Get failed", err)
		}
		if !ok {
			logger.Coordinator().Warn().Str("identity", id).Msg("coordinator: pending identity missing from store")
			continue
		}
		items = append(items, it)
	}
	return items, nil
}

func (c *Coordinator) publishDispatch(payload DispatchPayload) {
	msg := bus.New(bus.TypeData, bus.CodeItems, payload, bus.High)
	msg.SenderID = c.auditName
	msg.ReceiverID = bus.OrchestratorID
	msg.AuditName = c.auditName
	c.bus.Publish(msg)
}

func (c *Coordinator) publishStopAudit() {
	msg := bus.New(bus.TypeControl, bus.CodeStopAudit, nil, bus.High)
	msg.SenderID = c.auditName
	msg.ReceiverID = bus.OrchestratorID
	msg.AuditName = c.auditName
	c.bus.Publish(msg)
	c.doneOnce.Do(func() { close(c.done) })
}

func (c *Coordinator) publishWarning(message string) {
	msg := bus.New(bus.TypeControl, bus.CodeWarning, message, bus.Medium)
	msg.SenderID = c.auditName
	msg.ReceiverID = bus.OrchestratorID
	msg.AuditName = c.auditName
	c.bus.Publish(msg)
}

// runnablePluginsFor implements is_runnable_stage: the subset of
// candidates that would accept at least one of items. An empty result
// means the whole stage is a no-op for every pending item.
func runnablePluginsFor(candidates []*plugins.Info, items []*data.Item) []*plugins.Info {
	var out []*plugins.Info
	for _, info := range candidates {
		for _, it := range items {
			if it.Matches(info.Accepted) {
				out = append(out, info)
				break
			}
		}
	}
	return out
}

func pluginNames(infos []*plugins.Info) []string {
	names := make([]string, len(infos))
	for i, info := range infos {
		names[i] = info.Descriptor.Name
	}
	return names
}
