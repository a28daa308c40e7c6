// Package orchestrator implements the top-level dispatcher: it owns the
// message bus, the worker pool, the plugin registry, the connection-slot
// manager, and one coordinator per running audit. Everything a
// coordinator decides ("run this batch through these plugins") is
// translated here into actual worker.Pool.Submit calls and the
// WorkerResultPayload/ACK traffic the coordinator expects back.
package orchestrator

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/riftsec/auditcore/internal/auditdb"
	"github.com/riftsec/auditcore/internal/bus"
	"github.com/riftsec/auditcore/internal/config"
	"github.com/riftsec/auditcore/internal/coordinator"
	"github.com/riftsec/auditcore/internal/data"
	"github.com/riftsec/auditcore/internal/logger"
	"github.com/riftsec/auditcore/internal/netlimit"
	"github.com/riftsec/auditcore/internal/pluginsdk"
	"github.com/riftsec/auditcore/internal/plugins"
	"github.com/riftsec/auditcore/internal/scope"
	"github.com/riftsec/auditcore/internal/uiobserver"
	"github.com/riftsec/auditcore/internal/worker"
)

// RPCFunc is a function an audit's plugins can reach through the RPC
// surface: (audit_name, argv, argd) -> result, resolved at the
// orchestrator thread.
type RPCFunc func(auditName string, argv []any, argd map[string]any) (any, error)

// RPCRequest is the payload a TypeRPC message carries; Method selects
// which registered RPCFunc answers it.
type RPCRequest struct {
	Method string
	Argv   []any
	Argd   map[string]any
}

// audit bundles everything the orchestrator tracks for one running audit.
type audit struct {
	cfg         *config.AuditConfig
	store       auditdb.Store
	coordinator *coordinator.Coordinator
	cache       *netlimit.Cache
	hub         *uiobserver.Hub
}

// Orchestrator is the single process-wide instance coordinating every
// concurrently running audit.
type Orchestrator struct {
	bus      *bus.Bus
	pool     *worker.Pool
	registry *plugins.Registry
	slots    *netlimit.SlotManager

	reportDir string

	mu     sync.RWMutex
	audits map[string]*audit

	rpcMu   sync.RWMutex
	rpcFns  map[string]RPCFunc

	cron *cron.Cron
}

// New builds an Orchestrator. b, pool, registry and slots are shared
// across every audit the orchestrator ever runs.
func New(b *bus.Bus, pool *worker.Pool, registry *plugins.Registry, slots *netlimit.SlotManager, reportDir string) *Orchestrator {
	o := &Orchestrator{
		bus:       b,
		pool:      pool,
		registry:  registry,
		slots:     slots,
		reportDir: reportDir,
		audits:    make(map[string]*audit),
		rpcFns:    make(map[string]RPCFunc),
		cron:      cron.New(),
	}
	o.registerBuiltinRPC()
	return o
}

// RegisterRPC installs fn under method, making it reachable by any plugin
// issuing an RPC request for that method name.
func (o *Orchestrator) RegisterRPC(method string, fn RPCFunc) {
	o.rpcMu.Lock()
	defer o.rpcMu.Unlock()
	o.rpcFns[method] = fn
}

// registerBuiltinRPC wires the two RPC surfaces plugins reach explicitly:
// database queries and cache access.
func (o *Orchestrator) registerBuiltinRPC() {
	o.RegisterRPC("db.get", func(auditName string, argv []any, _ map[string]any) (any, error) {
		a, ok := o.lookupAudit(auditName)
		if !ok {
			return nil, fmt.Errorf("orchestrator: unknown audit %q", auditName)
		}
		if len(argv) != 1 {
			return nil, fmt.Errorf("orchestrator: db.get wants one identity argument")
		}
		identity, _ := argv[0].(string)
		item, ok, err := a.store.Get(identity)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, nil
		}
		return item, nil
	})

	o.RegisterRPC("cache.get", func(auditName string, argv []any, _ map[string]any) (any, error) {
		a, ok := o.lookupAudit(auditName)
		if !ok {
			return nil, fmt.Errorf("orchestrator: unknown audit %q", auditName)
		}
		if len(argv) != 2 {
			return nil, fmt.Errorf("orchestrator: cache.get wants (key, mode)")
		}
		key, _ := argv[0].(string)
		mode, _ := argv[1].(netlimit.Bypass)
		resp, ok := a.cache.Get(context.Background(), key, mode)
		if !ok {
			return nil, nil
		}
		return resp, nil
	})

	o.RegisterRPC("cache.put", func(auditName string, argv []any, _ map[string]any) (any, error) {
		a, ok := o.lookupAudit(auditName)
		if !ok {
			return nil, fmt.Errorf("orchestrator: unknown audit %q", auditName)
		}
		if len(argv) != 2 {
			return nil, fmt.Errorf("orchestrator: cache.put wants (key, response)")
		}
		key, _ := argv[0].(string)
		resp, _ := argv[1].(netlimit.CachedResponse)
		a.cache.Put(context.Background(), key, resp)
		return nil, nil
	})
}

func (o *Orchestrator) lookupAudit(name string) (*audit, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	a, ok := o.audits[name]
	return a, ok
}

// AuditNames lists every audit currently tracked, in no particular order.
func (o *Orchestrator) AuditNames() []string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	names := make([]string, 0, len(o.audits))
	for name := range o.audits {
		names = append(names, name)
	}
	return names
}

// AuditStatus reports the stage-machine snapshot for one audit.
func (o *Orchestrator) AuditStatus(name string) (coordinator.Status, bool) {
	a, ok := o.lookupAudit(name)
	if !ok {
		return coordinator.Status{}, false
	}
	return a.coordinator.Status(), true
}

// Hub returns the UI observer hub for one audit, for wiring a WebSocket
// upgrade endpoint.
func (o *Orchestrator) Hub(name string) (*uiobserver.Hub, bool) {
	a, ok := o.lookupAudit(name)
	if !ok {
		return nil, false
	}
	return a.hub, true
}

// EnqueueAudit registers a new audit, builds its coordinator and support
// objects, and bootstraps it with seeds. Run must already be consuming
// the bus for the audit to make progress.
func (o *Orchestrator) EnqueueAudit(ctx context.Context, cfg *config.AuditConfig, store auditdb.Store, sc *scope.Scope, seeds []*data.Item) (*uiobserver.Hub, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	cache := netlimit.NewCache(cfg.AuditName, netlimit.Config{Enabled: cfg.UseCacheDB})
	hub := uiobserver.NewHub(cfg.AuditName)
	go hub.Run()

	coord := coordinator.New(cfg.AuditName, cfg, store, o.registry, sc, o.bus)

	a := &audit{cfg: cfg, store: store, coordinator: coord, cache: cache, hub: hub}
	o.mu.Lock()
	o.audits[cfg.AuditName] = a
	o.mu.Unlock()

	go coord.Run(ctx)
	go o.watchAuditDone(ctx, cfg.AuditName, coord, cache)

	if err := coord.Bootstrap(seeds); err != nil {
		return nil, err
	}
	return hub, nil
}

// watchAuditDone removes an audit's bookkeeping once its coordinator
// reports completion, freeing its cache connection.
func (o *Orchestrator) watchAuditDone(ctx context.Context, auditName string, coord *coordinator.Coordinator, cache *netlimit.Cache) {
	select {
	case <-ctx.Done():
		return
	case <-coord.Done():
	}
	logger.Orchestrator().Info().Str("audit", auditName).Msg("orchestrator: audit finished, releasing resources")
	if err := cache.Close(); err != nil {
		logger.Orchestrator().Warn().Err(err).Str("audit", auditName).Msg("orchestrator: failed to close audit cache")
	}
	o.mu.Lock()
	delete(o.audits, auditName)
	o.mu.Unlock()
}

// Run drains the orchestrator's own queue until ctx is canceled. It is the
// only consumer of that queue; each dispatch batch and each RPC request it
// takes off the queue is handled on a goroutine of its own.
func (o *Orchestrator) Run(ctx context.Context) {
	o.startHousekeeping()
	defer o.cron.Stop()

	queue := o.bus.Queue(bus.OrchestratorID)
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-queue:
			o.handle(ctx, msg)
		}
	}
}

func (o *Orchestrator) handle(ctx context.Context, msg *bus.Message) {
	switch msg.Type {
	case bus.TypeData:
		if msg.Code != bus.CodeItems {
			return
		}
		payload, ok := msg.Payload.(coordinator.DispatchPayload)
		if !ok {
			logger.Orchestrator().Warn().Msg("orchestrator: rejecting malformed dispatch payload")
			return
		}
		go o.runDispatch(ctx, msg.AuditName, payload)

	case bus.TypeRPC:
		go o.handleRPC(msg)

	case bus.TypeControl, bus.TypeStatus:
		o.observe(msg)

	default:
		logger.Orchestrator().Warn().Str("type", string(msg.Type)).Msg("orchestrator: unexpected message type")
	}
}

// observe forwards STATUS/CONTROL traffic addressed to the orchestrator
// to the originating audit's UI hub, if one is registered.
func (o *Orchestrator) observe(msg *bus.Message) {
	a, ok := o.lookupAudit(msg.AuditName)
	if !ok {
		return
	}
	a.hub.Observe(msg)
}

// handleRPC resolves msg's method against the registry and replies with
// its result over msg's own response channel.
func (o *Orchestrator) handleRPC(msg *bus.Message) {
	if msg.Code == bus.CodeRPCBulk {
		o.handleBulkRPC(msg)
		return
	}

	req, ok := msg.Payload.(RPCRequest)
	if !ok {
		bus.Respond(msg, bus.RPCResult{OK: false, ErrKind: "bad_request", ErrMessage: "malformed RPC payload"})
		return
	}

	o.rpcMu.RLock()
	fn, ok := o.rpcFns[req.Method]
	o.rpcMu.RUnlock()
	if !ok {
		bus.Respond(msg, bus.RPCResult{OK: false, ErrKind: "not_found", ErrMessage: "unknown RPC method: " + req.Method})
		return
	}

	value, err := fn(msg.AuditName, req.Argv, req.Argd)
	if err != nil {
		bus.Respond(msg, bus.RPCResult{OK: false, ErrKind: "error", ErrMessage: err.Error()})
		return
	}
	bus.Respond(msg, bus.RPCResult{OK: true, Value: value})
}

// handleBulkRPC implements async_bulk_remote_call: a nested RPC invoked
// across an iterable of argument tuples, run concurrently, returned in
// the caller's order — a functional map over the single-call RPC path.
func (o *Orchestrator) handleBulkRPC(msg *bus.Message) {
	reqs, ok := msg.Payload.([]RPCRequest)
	if !ok {
		bus.Respond(msg, bus.RPCResult{OK: false, ErrKind: "bad_request", ErrMessage: "malformed bulk RPC payload"})
		return
	}

	results := make([]bus.RPCResult, len(reqs))
	var wg sync.WaitGroup
	for i, req := range reqs {
		wg.Add(1)
		go func(i int, req RPCRequest) {
			defer wg.Done()
			o.rpcMu.RLock()
			fn, ok := o.rpcFns[req.Method]
			o.rpcMu.RUnlock()
			if !ok {
				results[i] = bus.RPCResult{OK: false, ErrKind: "not_found", ErrMessage: "unknown RPC method: " + req.Method}
				return
			}
			value, err := fn(msg.AuditName, req.Argv, req.Argd)
			if err != nil {
				results[i] = bus.RPCResult{OK: false, ErrKind: "error", ErrMessage: err.Error()}
				return
			}
			results[i] = bus.RPCResult{OK: true, Value: value}
		}(i, req)
	}
	wg.Wait()

	bus.Respond(msg, bus.RPCResult{OK: true, Value: results})
}

// DispatchMsg publishes msg as if the orchestrator itself were the
// sender, using the HIGH-priority synchronous bypass when a handler is
// registered for the receiver — in-process HIGH-priority injection.
func (o *Orchestrator) DispatchMsg(msg *bus.Message) {
	msg.SenderID = bus.OrchestratorID
	msg.Priority = bus.High
	o.bus.Publish(msg)
}

// runDispatch fans a coordinator's batch out to the worker pool, one
// goroutine per plugin named in the payload.
func (o *Orchestrator) runDispatch(ctx context.Context, auditName string, payload coordinator.DispatchPayload) {
	a, ok := o.lookupAudit(auditName)
	if !ok {
		logger.Orchestrator().Warn().Str("audit", auditName).Msg("orchestrator: dispatch for unknown audit")
		return
	}

	if payload.Stage == plugins.StageReport {
		o.runReportStage(ctx, a, payload)
		return
	}

	var wg sync.WaitGroup
	for _, name := range payload.PluginNames {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			o.runPluginBatch(ctx, a, name, payload.Items)
		}(name)
	}
	wg.Wait()
}

// runPluginBatch runs one plugin against every item in a batch
// concurrently, skips items already finished by a non-recursive plugin,
// and reports the union of processed-and-discovered items back to the
// coordinator, followed by the ACK it is waiting to count down.
func (o *Orchestrator) runPluginBatch(ctx context.Context, a *audit, pluginName string, items []*data.Item) {
	info, ok := o.registry.GetPluginByName(pluginName)
	if !ok {
		logger.Orchestrator().Warn().Str("plugin", pluginName).Msg("orchestrator: dispatch named an unregistered plugin")
		o.publishACK(a.cfg.AuditName)
		return
	}

	var (
		mu      sync.Mutex
		results []*data.Item
		group   errgroup.Group
	)

	for _, it := range items {
		it := it
		finished, err := a.store.HasPluginFinished(it.Identity(), pluginName)
		if err != nil {
			logger.Orchestrator().Error().Err(err).Str("plugin", pluginName).Msg("orchestrator: HasPluginFinished lookup failed")
			continue
		}
		if finished && !info.Recursive {
			continue
		}

		group.Go(func() error {
			pctx := &pluginsdk.Context{
				AuditName:  a.cfg.AuditName,
				PluginName: pluginName,
				Config:     info.Descriptor.Configuration,
				Publish:    func(m any) { o.publishPluginMessage(a.cfg.AuditName, pluginName, m) },
				Slots:      o.slots,
				NetCache:   netlimit.NewCallView(a.cache),
				Scratch:    pluginsdk.NewScratch(),
			}
			plugin := info.Factory()
			res := o.pool.Submit(ctx, worker.Call{Context: pctx, Plugin: plugin, Item: it})

			mu.Lock()
			results = append(results, it)
			if res.Err != nil {
				logger.Orchestrator().Warn().Str("plugin", pluginName).Str("kind", res.Err.Kind).Str("message", res.Err.Message).Msg("orchestrator: plugin call failed")
				o.publishPluginError(a.cfg.AuditName, pluginName, res.Err)
			} else {
				results = append(results, res.Items...)
			}
			if len(res.Warnings) > 0 {
				o.publishPluginWarning(a.cfg.AuditName, pluginName, res.Warnings)
			}
			mu.Unlock()
			return nil
		})
	}
	group.Wait()

	o.publishWorkerResult(a.cfg.AuditName, pluginName, results)
	o.publishACK(a.cfg.AuditName)
}

// runReportStage runs every report plugin's GenerateReport once,
// concurrently, writing each plugin's output under reportDir/auditName.
func (o *Orchestrator) runReportStage(ctx context.Context, a *audit, payload coordinator.DispatchPayload) {
	var wg sync.WaitGroup
	for _, name := range payload.PluginNames {
		name := name
		wg.Add(1)
		go func() {
			defer wg.Done()
			info, ok := o.registry.GetPluginByName(name)
			if !ok {
				o.publishACK(a.cfg.AuditName)
				return
			}
			pctx := &pluginsdk.Context{
				AuditName:  a.cfg.AuditName,
				PluginName: name,
				Config:     info.Descriptor.Configuration,
				Publish:    func(m any) { o.publishPluginMessage(a.cfg.AuditName, name, m) },
				Slots:      o.slots,
				NetCache:   netlimit.NewCallView(a.cache),
				Scratch:    pluginsdk.NewScratch(),
			}
			plugin := info.Factory()
			path := filepath.Join(o.reportDir, a.cfg.AuditName, name+".report")
			if err := plugin.GenerateReport(pctx, path); err != nil {
				logger.Orchestrator().Warn().Err(err).Str("plugin", name).Msg("orchestrator: report generation failed")
				o.publishPluginError(a.cfg.AuditName, name, &worker.CallError{Kind: "report_error", Message: err.Error()})
			}
			o.publishACK(a.cfg.AuditName)
		}()
	}
	wg.Wait()
	_ = ctx
}

func (o *Orchestrator) publishWorkerResult(auditName, pluginName string, items []*data.Item) {
	msg := bus.New(bus.TypeData, bus.CodeItems, coordinator.WorkerResultPayload{PluginName: pluginName, Items: items}, bus.Medium)
	msg.SenderID = bus.OrchestratorID
	msg.ReceiverID = auditName
	msg.AuditName = auditName
	o.bus.Publish(msg)
}

func (o *Orchestrator) publishACK(auditName string) {
	msg := bus.New(bus.TypeControl, bus.CodeACK, nil, bus.Medium)
	msg.SenderID = bus.OrchestratorID
	msg.ReceiverID = auditName
	msg.AuditName = auditName
	o.bus.Publish(msg)
}

func (o *Orchestrator) publishPluginMessage(auditName, pluginName string, payload any) {
	msg := bus.New(bus.TypeStatus, bus.CodeInfo, payload, bus.Low)
	msg.SenderID = bus.OrchestratorID
	msg.AuditName = auditName
	msg.PluginName = pluginName
	msg.ReceiverID = bus.OrchestratorID
	o.bus.Publish(msg)
}

// PluginErrorPayload carries everything a worker.CallError captured about a
// failed call: the exception class name, its message, and the formatted
// traceback, so a CONTROL/ERROR observer sees the whole picture rather than
// a bare message string.
type PluginErrorPayload struct {
	PluginName string `json:"plugin_name"`
	Kind       string `json:"kind"`
	Message    string `json:"message"`
	Traceback  string `json:"traceback"`
}

// PluginWarningPayload carries every non-fatal warning one plugin call
// recorded via pluginsdk.Context.Warn, forwarded as a single message.
type PluginWarningPayload struct {
	PluginName string   `json:"plugin_name"`
	Warnings   []string `json:"warnings"`
}

func (o *Orchestrator) publishPluginError(auditName, pluginName string, callErr *worker.CallError) {
	msg := bus.New(bus.TypeControl, bus.CodeError, PluginErrorPayload{
		PluginName: pluginName,
		Kind:       callErr.Kind,
		Message:    callErr.Message,
		Traceback:  callErr.Traceback,
	}, bus.Medium)
	msg.SenderID = bus.OrchestratorID
	msg.ReceiverID = bus.OrchestratorID
	msg.AuditName = auditName
	msg.PluginName = pluginName
	o.bus.Publish(msg)
}

func (o *Orchestrator) publishPluginWarning(auditName, pluginName string, warnings []string) {
	msg := bus.New(bus.TypeControl, bus.CodeWarning, PluginWarningPayload{
		PluginName: pluginName,
		Warnings:   warnings,
	}, bus.Medium)
	msg.SenderID = bus.OrchestratorID
	msg.ReceiverID = bus.OrchestratorID
	msg.AuditName = auditName
	msg.PluginName = pluginName
	o.bus.Publish(msg)
}

// startHousekeeping schedules the periodic cron-driven maintenance tick,
// every 10 minutes. The tick logs how many audits are tracked; it expires
// no network-cache entries and checks no ACK counts.
func (o *Orchestrator) startHousekeeping() {
	_, err := o.cron.AddFunc("@every 10m", func() {
		o.mu.RLock()
		names := make([]string, 0, len(o.audits))
		for name := range o.audits {
			names = append(names, name)
		}
		o.mu.RUnlock()
		logger.Orchestrator().Debug().Int("audits", len(names)).Msg("orchestrator: housekeeping tick")
	})
	if err != nil {
		logger.Orchestrator().Warn().Err(err).Msg("orchestrator: failed to schedule housekeeping")
		return
	}
	o.cron.Start()
}

// Shutdown stops the cron scheduler and gracefully stops the worker pool,
// waiting up to timeout. It does not stop the audits' coordinators.
func (o *Orchestrator) Shutdown(timeout time.Duration) {
	o.cron.Stop()
	o.pool.GracefulStop(timeout)
}
