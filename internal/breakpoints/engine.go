/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

// Package breakpoints owns the lifecycle of client breakpoints: setting them in the runtime, resolving
// breakpoints for scripts that load later, hit conditions, log points, break-on-load and skip files.
package breakpoints

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/go-logr/logr"
	"github.com/google/go-dap"
	"golang.org/x/sync/errgroup"

	idap "github.com/microsoft/dap-engine/internal/dap"
	"github.com/microsoft/dap-engine/internal/debuggee"
	"github.com/microsoft/dap-engine/internal/pathmap"
	"github.com/microsoft/dap-engine/internal/sources"
	"github.com/microsoft/dap-engine/pkg/concurrency"
	"github.com/microsoft/dap-engine/pkg/resiliency"
)

const (
	messageNotYetBound     = "Breakpoint set but not yet bound"
	messageNoGeneratedCode = "Breakpoint ignored because generated code not found (source map problem?)."

	maxConcurrentAdds = 8
)

type Config struct {
	Strategy Strategy

	// ColumnBreakpoints enables snapping requested columns to locations the runtime reports as legal.
	ColumnBreakpoints bool

	SkipFiles *SkipFiles
}

// NotifyFunc reports a breakpoint whose state changed without a client request.
type NotifyFunc func(reason string, bp dap.Breakpoint)

type Result struct {
	Breakpoints []dap.Breakpoint
	Err         error
}

// PauseContext describes what the session expected when the runtime paused.
type PauseContext struct {
	UserRequested bool
	Stepping      bool
}

// Decision tells the session whether to report a pause to the client or continue silently.
type Decision struct {
	Stop             bool
	Reason           string
	Description      string
	HitBreakpointIDs []int
}

type breakpoint struct {
	id     int
	path   string
	source dap.Source

	requestedLine   int
	requestedColumn int
	condition       string
	hitCondition    *HitCondition
	hits            int

	runtimeID debuggee.BreakpointID
	location  debuggee.Location
	verified  bool
	line      int
	column    int
	message   string

	// target is the runtime location requested by URL; shared is set when another breakpoint already owned it.
	target urlTarget
	shared bool
}

type urlTarget struct {
	urlRegex string
	line     int
	column   int
}

func (bp *breakpoint) toDAP() dap.Breakpoint {
	source := bp.source
	result := dap.Breakpoint{
		Id:       bp.id,
		Verified: bp.verified,
		Source:   &source,
		Line:     bp.requestedLine,
		Column:   bp.requestedColumn,
		Message:  bp.message,
	}
	if bp.verified {
		result.Line = bp.line
		result.Column = bp.column
	}
	return result
}

type loadBreakpoint struct {
	id     debuggee.BreakpointID
	owners map[string]struct{}
}

// Engine sets and tracks client breakpoints. setBreakpoints requests run one at a time in submission order.
type Engine struct {
	dbg      debuggee.Debugger
	resolver *sources.Resolver
	pending  *sources.PendingBreakpoints
	queue    *resiliency.WorkQueue
	cfg      Config
	notify   NotifyFunc
	log      logr.Logger

	lock        sync.Mutex
	nextID      int
	bySource    map[string][]*breakpoint
	byRuntimeID map[debuggee.BreakpointID][]*breakpoint

	loadByRegex map[string]*loadBreakpoint
	loadIDs     map[debuggee.BreakpointID]struct{}
	scriptGates map[debuggee.ScriptID]*concurrency.Gate
}

func NewEngine(
	lifetimeCtx context.Context,
	dbg debuggee.Debugger,
	resolver *sources.Resolver,
	pending *sources.PendingBreakpoints,
	cfg Config,
	notify NotifyFunc,
	log logr.Logger,
) *Engine {
	if log.GetSink() == nil {
		log = logr.Discard()
	}
	if cfg.Strategy == "" {
		cfg.Strategy = BreakOnLoadOff
	}
	if notify == nil {
		notify = func(string, dap.Breakpoint) {}
	}
	if cfg.SkipFiles == nil {
		// Toggled at runtime only; the field itself never changes after construction.
		cfg.SkipFiles = &SkipFiles{toggled: make(map[string]bool), caseInsensitive: resolver.CaseInsensitive()}
	}

	return &Engine{
		dbg:         dbg,
		resolver:    resolver,
		pending:     pending,
		queue:       resiliency.NewWorkQueue(lifetimeCtx, 1, log),
		cfg:         cfg,
		notify:      notify,
		log:         log,
		bySource:    make(map[string][]*breakpoint),
		byRuntimeID: make(map[debuggee.BreakpointID][]*breakpoint),
		loadByRegex: make(map[string]*loadBreakpoint),
		loadIDs:     make(map[debuggee.BreakpointID]struct{}),
		scriptGates: make(map[debuggee.ScriptID]*concurrency.Gate),
	}
}

// Start prepares the runtime: instrumentation for the instrument strategy and blackbox patterns for skip files.
func (e *Engine) Start(ctx context.Context) error {
	if e.cfg.Strategy == BreakOnLoadInstrument {
		id, err := e.dbg.SetInstrumentationBreakpoint(ctx, debuggee.InstrumentationBeforeScriptExecution)
		if err != nil {
			return fmt.Errorf("failed to set the script instrumentation breakpoint: %w", err)
		}
		e.lock.Lock()
		e.loadIDs[id] = struct{}{}
		e.lock.Unlock()
	}

	if patterns := e.cfg.SkipFiles.Patterns(); len(patterns) > 0 {
		if err := e.dbg.SetBlackboxPatterns(ctx, patterns); err != nil {
			return fmt.Errorf("failed to set skip files patterns: %w", err)
		}
	}
	return nil
}

func (e *Engine) Strategy() Strategy {
	return e.cfg.Strategy
}

// SetStrategy accepts only the strategy the engine was created with.
func (e *Engine) SetStrategy(s Strategy) error {
	if s == e.cfg.Strategy {
		return nil
	}
	return fmt.Errorf("%w: active strategy is '%s', requested '%s'", ErrStrategyLocked, e.cfg.Strategy, s)
}

// SetBreakpoints replaces every breakpoint of the source with the requested set.
// The request is queued behind earlier ones; the result is delivered on the returned channel.
func (e *Engine) SetBreakpoints(ctx context.Context, args dap.SetBreakpointsArguments, requestSeq int) <-chan Result {
	results := make(chan Result, 1)

	err := e.queue.Enqueue(func(_ context.Context) {
		bps, setErr := e.setBreakpoints(ctx, args, requestSeq, nil)
		results <- Result{Breakpoints: bps, Err: setErr}
	})
	if err != nil {
		results <- Result{Err: err}
	}
	return results
}

func (e *Engine) setBreakpoints(ctx context.Context, args dap.SetBreakpointsArguments, requestSeq int, reuseIDs []int) ([]dap.Breakpoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	path, err := e.sourcePath(args.Source)
	if err != nil {
		return nil, err
	}
	canonical := path
	if _, isEval := sources.EvalScriptID(path); !isEval {
		canonical = e.resolver.Canonicalize(path)
	}

	e.clearSource(ctx, canonical)

	bps := make([]*breakpoint, len(args.Breakpoints))
	ids := make([]int, len(args.Breakpoints))
	for i, req := range args.Breakpoints {
		bp := &breakpoint{
			path:            canonical,
			source:          args.Source,
			requestedLine:   req.Line,
			requestedColumn: req.Column,
			condition:       combineCondition(req.Condition, req.LogMessage),
		}
		if i < len(reuseIDs) {
			bp.id = reuseIDs[i]
		} else {
			bp.id = e.newID()
		}
		if req.HitCondition != "" {
			hc, hcErr := ParseHitCondition(req.HitCondition)
			if hcErr != nil {
				bp.message = formatError(hcErr)
			} else {
				bp.hitCondition = &hc
			}
		}
		bps[i] = bp
		ids[i] = bp.id
	}

	locations := make([]sources.GeneratedLocation, len(bps))
	located := make([]bool, len(bps))
	for i, bp := range bps {
		if bp.message != "" {
			continue
		}
		loc, locErr := e.resolver.ToGenerated(path, bp.requestedLine, bp.requestedColumn)
		switch {
		case errors.Is(locErr, sources.ErrScriptNotLoaded):
			return e.deferUntilLoaded(ctx, args, requestSeq, canonical, bps, ids), nil
		case locErr != nil:
			bp.message = messageNoGeneratedCode
		default:
			locations[i] = loc
			located[i] = true
		}
	}

	var eg errgroup.Group
	eg.SetLimit(maxConcurrentAdds)
	for i, bp := range bps {
		if !located[i] {
			continue
		}
		eg.Go(func() error {
			e.addOne(ctx, bp, locations[i])
			return nil
		})
	}
	_ = eg.Wait()
	e.adoptShared(bps)

	if err = ctx.Err(); err != nil {
		// Whatever was set is still recorded so the next request for this source clears it.
		e.store(canonical, bps)
		return nil, err
	}

	if len(bps) > 0 && allUnbound(bps) {
		for _, bp := range bps {
			if bp.message == "" {
				bp.message = fmt.Sprintf("Could not bind any breakpoint in '%s'", pathmap.Basename(path))
			}
		}
	}

	e.store(canonical, bps)
	return e.snapshot(bps), nil
}

// deferUntilLoaded records the request as pending; it is replayed when a matching script is parsed.
func (e *Engine) deferUntilLoaded(
	ctx context.Context,
	args dap.SetBreakpointsArguments,
	requestSeq int,
	canonical string,
	bps []*breakpoint,
	ids []int,
) []dap.Breakpoint {
	if len(bps) > 0 {
		e.pending.Add(&sources.PendingBreakpoint{Args: args, IDs: ids, RequestSeq: requestSeq, Path: canonical})
		e.registerLoadBreakpoint(ctx, canonical)
	}

	for _, bp := range bps {
		if bp.message == "" {
			bp.message = messageNotYetBound
		}
	}
	e.store(canonical, bps)
	return e.snapshot(bps)
}

func (e *Engine) sourcePath(source dap.Source) (string, error) {
	if source.Path != "" {
		if _, isEval := sources.EvalScriptID(source.Path); !isEval && !pathmap.IsAbsolute(source.Path) {
			return "", idap.InvalidPath(source.Path)
		}
		return source.Path, nil
	}
	if source.SourceReference > 0 {
		ref, found := e.resolver.Registry().ContentFor(source.SourceReference)
		if found && ref.ScriptID != "" {
			return sources.EvalPath(ref.ScriptID), nil
		}
		if found {
			return ref.AuthoredPath, nil
		}
		return "", idap.SourceReferenceNotValid()
	}
	return "", idap.MissingAttribute("source.path")
}

func (e *Engine) addOne(ctx context.Context, bp *breakpoint, loc sources.GeneratedLocation) {
	var result debuggee.BreakpointResult
	var err error

	if loc.Script.IsEval() {
		result, err = e.dbg.SetBreakpoint(ctx, debuggee.Location{ScriptID: loc.Script.ID, Line: loc.Line, Column: loc.Column}, bp.condition)
	} else {
		column := loc.Column
		if e.cfg.ColumnBreakpoints {
			column = e.refineColumn(ctx, loc)
		}
		bp.target = urlTarget{urlRegex: loc.URLRegex, line: loc.Line, column: column}
		result, err = e.dbg.SetBreakpointByURL(ctx, debuggee.SetBreakpointByURLParams{
			URLRegex:  loc.URLRegex,
			Line:      loc.Line,
			Column:    column,
			Condition: bp.condition,
		})
		if errors.Is(err, debuggee.ErrBreakpointExists) {
			// Resolved against the owning breakpoint by adoptShared once every add of the request is done.
			bp.shared = true
			bp.location = debuggee.Location{ScriptID: loc.Script.ID, Line: loc.Line, Column: column}
			return
		}
	}

	if err != nil {
		e.log.Info("Could not set breakpoint", "Path", bp.path, "Line", bp.requestedLine, "Error", err.Error())
		bp.message = err.Error()
		return
	}

	bp.runtimeID = result.ID
	if len(result.Locations) == 0 {
		bp.message = messageNotYetBound
		return
	}
	e.bind(bp, result.Locations[0])
}

// adoptShared gives breakpoints whose location was already taken the runtime id and location of the owner,
// which is either part of the same request or committed earlier for another source.
func (e *Engine) adoptShared(bps []*breakpoint) {
	for _, bp := range bps {
		if !bp.shared {
			continue
		}

		owner, found := ownerIn(bps, bp.target)
		if !found {
			owner, found = e.committedOwner(bp.target)
		}
		if !found {
			e.log.V(1).Info("Runtime breakpoint owner is unknown", "Path", bp.path, "Line", bp.requestedLine)
			e.bind(bp, bp.location)
			continue
		}

		bp.runtimeID = owner.runtimeID
		if owner.verified {
			e.bind(bp, owner.location)
		} else {
			bp.message = messageNotYetBound
		}
	}
}

func ownerIn(bps []*breakpoint, target urlTarget) (breakpoint, bool) {
	for _, bp := range bps {
		if !bp.shared && bp.runtimeID != "" && bp.target == target {
			return *bp, true
		}
	}
	return breakpoint{}, false
}

func (e *Engine) committedOwner(target urlTarget) (breakpoint, bool) {
	e.lock.Lock()
	defer e.lock.Unlock()

	for _, sharers := range e.byRuntimeID {
		for _, bp := range sharers {
			if bp.target == target {
				return *bp, true
			}
		}
	}
	return breakpoint{}, false
}

// refineColumn picks the last legal breakpoint location on the line at or before the requested column,
// or the first legal location if every candidate is past it.
func (e *Engine) refineColumn(ctx context.Context, loc sources.GeneratedLocation) int {
	candidates, err := e.dbg.GetPossibleBreakpoints(ctx,
		debuggee.Location{ScriptID: loc.Script.ID, Line: loc.Line},
		debuggee.Location{ScriptID: loc.Script.ID, Line: loc.Line + 1})
	if err != nil || len(candidates) == 0 {
		if err != nil {
			e.log.V(1).Info("Could not get possible breakpoints", "ScriptID", loc.Script.ID, "Line", loc.Line, "Error", err.Error())
		}
		return loc.Column
	}

	best := -1
	for _, c := range candidates {
		if c.Line == loc.Line && c.Column <= loc.Column && c.Column > best {
			best = c.Column
		}
	}
	if best < 0 {
		return candidates[0].Column
	}
	return best
}

// bind marks the breakpoint verified at a runtime location. Callers hold e.lock once bp is shared.
func (e *Engine) bind(bp *breakpoint, location debuggee.Location) {
	script, found := e.resolver.Registry().ByID(location.ScriptID)
	if !found {
		bp.message = messageNotYetBound
		return
	}

	client := e.resolver.ToClient(script, location.Line, location.Column)
	bp.location = location
	bp.verified = true
	bp.line = client.Line
	bp.column = client.Column
	bp.message = ""
}

func allUnbound(bps []*breakpoint) bool {
	for _, bp := range bps {
		if bp.runtimeID != "" || bp.verified {
			return false
		}
	}
	return true
}

func (e *Engine) newID() int {
	e.lock.Lock()
	defer e.lock.Unlock()
	e.nextID++
	return e.nextID
}

// clearSource removes every runtime breakpoint previously committed for the source, one at a time.
func (e *Engine) clearSource(ctx context.Context, canonical string) {
	// A runtime breakpoint is removed only after its last sharer is gone.
	var unused []debuggee.BreakpointID
	e.lock.Lock()
	old := e.bySource[canonical]
	delete(e.bySource, canonical)
	for _, bp := range old {
		if bp.runtimeID == "" {
			continue
		}
		sharers := e.byRuntimeID[bp.runtimeID]
		remaining := sharers[:0:0]
		for _, s := range sharers {
			if s != bp {
				remaining = append(remaining, s)
			}
		}
		if len(remaining) > 0 {
			e.byRuntimeID[bp.runtimeID] = remaining
		} else if len(sharers) > 0 {
			delete(e.byRuntimeID, bp.runtimeID)
			unused = append(unused, bp.runtimeID)
		}
	}
	e.lock.Unlock()

	if _, wasPending := e.pending.Get(canonical); wasPending {
		e.pending.Remove(canonical)
		e.releaseLoadBreakpoint(ctx, canonical)
	}

	for _, id := range unused {
		if err := e.dbg.RemoveBreakpoint(ctx, id); err != nil {
			e.log.Info("Could not remove breakpoint", "BreakpointID", id, "Error", err.Error())
		}
	}
}

func (e *Engine) store(canonical string, bps []*breakpoint) {
	e.lock.Lock()
	defer e.lock.Unlock()

	e.bySource[canonical] = bps
	for _, bp := range bps {
		if bp.runtimeID != "" {
			e.byRuntimeID[bp.runtimeID] = append(e.byRuntimeID[bp.runtimeID], bp)
		}
	}
}

func (e *Engine) snapshot(bps []*breakpoint) []dap.Breakpoint {
	e.lock.Lock()
	defer e.lock.Unlock()

	result := make([]dap.Breakpoint, len(bps))
	for i, bp := range bps {
		result[i] = bp.toDAP()
	}
	return result
}

// Breakpoints returns the current state of every client breakpoint, ordered by id.
func (e *Engine) Breakpoints() []dap.Breakpoint {
	e.lock.Lock()
	defer e.lock.Unlock()

	var result []dap.Breakpoint
	for _, bps := range e.bySource {
		for _, bp := range bps {
			result = append(result, bp.toDAP())
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Id < result[j].Id })
	return result
}

func formatError(err error) string {
	if pe, isProtocolError := idap.AsProtocolError(err); isProtocolError {
		return pe.Formatted()
	}
	return err.Error()
}

// OnScriptParsed must be called after the script was added to the registry. It blackboxes skipped ranges and
// replays pending requests the script resolves, reporting the outcome with breakpoint "changed" notifications.
func (e *Engine) OnScriptParsed(ctx context.Context, script *sources.Script) {
	gate := e.scriptGate(script.ID)
	defer gate.Open()

	if !e.cfg.SkipFiles.Empty() {
		if ranges := e.cfg.SkipFiles.BlackboxRanges(script); len(ranges) > 0 {
			if err := e.dbg.SetBlackboxedRanges(ctx, script.ID, ranges); err != nil {
				e.log.Info("Could not blackbox skipped ranges", "Script", script.Path, "Error", err.Error())
			}
		}
	}

	for _, record := range e.pending.Take(script) {
		e.releaseLoadBreakpoint(ctx, record.Path)

		done := make(chan []dap.Breakpoint, 1)
		err := e.queue.Enqueue(func(_ context.Context) {
			if !e.isCurrent(record) {
				// A newer request for the same source already replaced this one.
				done <- nil
				return
			}
			bps, setErr := e.setBreakpoints(ctx, record.Args, record.RequestSeq, record.IDs)
			if setErr != nil {
				e.log.Info("Could not resolve pending breakpoints", "Path", record.Path, "Error", setErr.Error())
			}
			done <- bps
		})
		if err != nil {
			return
		}

		select {
		case bps := <-done:
			for _, bp := range bps {
				e.notify(idap.ReasonChanged, bp)
			}
		case <-ctx.Done():
			return
		}
	}
}

func (e *Engine) isCurrent(record *sources.PendingBreakpoint) bool {
	e.lock.Lock()
	defer e.lock.Unlock()

	bps := e.bySource[record.Path]
	if len(bps) != len(record.IDs) {
		return false
	}
	for i, bp := range bps {
		if bp.id != record.IDs[i] {
			return false
		}
	}
	return true
}

func (e *Engine) scriptGate(id debuggee.ScriptID) *concurrency.Gate {
	e.lock.Lock()
	defer e.lock.Unlock()

	gate, found := e.scriptGates[id]
	if !found {
		gate = concurrency.NewGate()
		e.scriptGates[id] = gate
	}
	return gate
}

// OnBreakpointResolved records a location the runtime bound a breakpoint to after it was set.
func (e *Engine) OnBreakpointResolved(ev debuggee.BreakpointResolvedEvent) {
	var changed []dap.Breakpoint
	e.lock.Lock()
	for _, bp := range e.byRuntimeID[ev.ID] {
		if bp.verified && bp.location == ev.Location {
			continue
		}
		e.bind(bp, ev.Location)
		changed = append(changed, bp.toDAP())
	}
	e.lock.Unlock()

	for _, bp := range changed {
		e.notify(idap.ReasonChanged, bp)
	}
}

func (e *Engine) registerLoadBreakpoint(ctx context.Context, canonical string) {
	if e.cfg.Strategy != BreakOnLoadRegex {
		return
	}
	regex := pathmap.BreakOnLoadRegex(canonical)

	e.lock.Lock()
	if lb, found := e.loadByRegex[regex]; found {
		lb.owners[canonical] = struct{}{}
		e.lock.Unlock()
		return
	}
	e.lock.Unlock()

	result, err := e.dbg.SetBreakpointByURL(ctx, debuggee.SetBreakpointByURLParams{URLRegex: regex})
	if err != nil {
		e.log.Info("Could not set break-on-load breakpoint", "Path", canonical, "Regex", regex, "Error", err.Error())
		return
	}

	e.lock.Lock()
	defer e.lock.Unlock()
	e.loadByRegex[regex] = &loadBreakpoint{id: result.ID, owners: map[string]struct{}{canonical: {}}}
	e.loadIDs[result.ID] = struct{}{}
}

// releaseLoadBreakpoint drops the path's claim on its break-on-load breakpoint and removes the breakpoint
// from the runtime when no other path needs it.
func (e *Engine) releaseLoadBreakpoint(ctx context.Context, canonical string) {
	if e.cfg.Strategy != BreakOnLoadRegex {
		return
	}
	regex := pathmap.BreakOnLoadRegex(canonical)

	e.lock.Lock()
	lb, found := e.loadByRegex[regex]
	if !found {
		e.lock.Unlock()
		return
	}
	delete(lb.owners, canonical)
	if len(lb.owners) > 0 {
		e.lock.Unlock()
		return
	}
	delete(e.loadByRegex, regex)
	e.lock.Unlock()

	if err := e.dbg.RemoveBreakpoint(ctx, lb.id); err != nil {
		e.log.Info("Could not remove break-on-load breakpoint", "Regex", regex, "Error", err.Error())
	}
}

// LoadBreakpointOwners returns how many pending paths share the break-on-load breakpoint for path.
func (e *Engine) LoadBreakpointOwners(path string) int {
	e.lock.Lock()
	defer e.lock.Unlock()
	if lb, found := e.loadByRegex[pathmap.BreakOnLoadRegex(e.resolver.Canonicalize(path))]; found {
		return len(lb.owners)
	}
	return 0
}

// OnPaused decides whether a runtime pause is shown to the client.
func (e *Engine) OnPaused(ctx context.Context, ev debuggee.PausedEvent, pc PauseContext) Decision {
	if ev.Reason == debuggee.PauseReasonInstrumentation {
		return e.onInstrumentationPause(ctx, ev, pc)
	}

	var hitIDs []int
	hitLoad, hitUser := false, false

	e.lock.Lock()
	for _, runtimeID := range ev.HitBreakpoints {
		if _, isLoad := e.loadIDs[runtimeID]; isLoad {
			hitLoad = true
			continue
		}
		for _, bp := range e.byRuntimeID[runtimeID] {
			hitUser = true
			bp.hits++
			if bp.hitCondition == nil || bp.hitCondition.Matches(bp.hits) {
				hitIDs = append(hitIDs, bp.id)
			}
		}
	}
	e.lock.Unlock()

	var top *debuggee.CallFrame
	if len(ev.CallFrames) > 0 {
		top = &ev.CallFrames[0]
	}

	switch {
	case pc.UserRequested:
		return Decision{Stop: true, Reason: idap.StopReasonPause, HitBreakpointIDs: hitIDs}

	case len(hitIDs) > 0:
		return Decision{Stop: true, Reason: idap.StopReasonBreakpoint, HitBreakpointIDs: hitIDs}

	case hitLoad:
		if top != nil {
			if id, found := e.userBreakpointAt(top.Location); found {
				return Decision{Stop: true, Reason: idap.StopReasonBreakpoint, HitBreakpointIDs: []int{id}}
			}
		}
		return Decision{}

	case hitUser:
		// Hit conditions not met yet.
		return Decision{}
	}

	if top != nil && e.inSkippedFile(top.Location) {
		return Decision{}
	}

	switch {
	case ev.Reason == debuggee.PauseReasonException || ev.Reason == debuggee.PauseReasonPromiseRejection:
		return Decision{Stop: true, Reason: idap.StopReasonException, Description: exceptionDescription(ev.Data)}
	case pc.Stepping:
		return Decision{Stop: true, Reason: idap.StopReasonStep}
	default:
		return Decision{Stop: true, Reason: idap.StopReasonDebuggerStatement}
	}
}

// onInstrumentationPause waits until the new script's pending breakpoints are set, then lets it run.
func (e *Engine) onInstrumentationPause(ctx context.Context, ev debuggee.PausedEvent, pc PauseContext) Decision {
	var data struct {
		ScriptID debuggee.ScriptID `json:"scriptId"`
	}
	if len(ev.Data) > 0 {
		if err := json.Unmarshal(ev.Data, &data); err != nil {
			e.log.V(1).Info("Unexpected instrumentation pause data", "Data", string(ev.Data))
		}
	}

	if data.ScriptID != "" {
		if err := e.scriptGate(data.ScriptID).Wait(ctx); err != nil {
			e.log.Info("Gave up waiting for breakpoints of a new script", "ScriptID", data.ScriptID, "Error", err.Error())
		}
	}

	if pc.UserRequested {
		return Decision{Stop: true, Reason: idap.StopReasonPause}
	}
	return Decision{}
}

func (e *Engine) userBreakpointAt(location debuggee.Location) (int, bool) {
	e.lock.Lock()
	defer e.lock.Unlock()

	for _, bps := range e.bySource {
		for _, bp := range bps {
			if bp.verified && bp.location == location {
				return bp.id, true
			}
		}
	}
	return 0, false
}

func (e *Engine) inSkippedFile(location debuggee.Location) bool {
	if e.cfg.SkipFiles.Empty() {
		return false
	}
	script, found := e.resolver.Registry().ByID(location.ScriptID)
	if !found {
		return false
	}
	client := e.resolver.ToClient(script, location.Line, location.Column)
	return e.cfg.SkipFiles.IsSkipped(client.Path)
}

// IsSkipped reports whether the file is on the skip list.
func (e *Engine) IsSkipped(path string) bool {
	return e.cfg.SkipFiles.IsSkipped(path)
}

// ToggleSkip flips the skip status of a file and updates the blackboxed ranges of every script it belongs to.
func (e *Engine) ToggleSkip(ctx context.Context, path string) (bool, error) {
	skipped := e.cfg.SkipFiles.Toggle(path)
	canonical := e.resolver.Canonicalize(path)

	registry := e.resolver.Registry()
	affected := registry.ByAuthoredPath(canonical)
	if script, found := registry.ByPath(canonical); found {
		affected = append(affected, script)
	}

	var errs []error
	for _, script := range affected {
		ranges := e.cfg.SkipFiles.BlackboxRanges(script)
		if err := e.dbg.SetBlackboxedRanges(ctx, script.ID, ranges); err != nil {
			errs = append(errs, fmt.Errorf("script '%s': %w", script.Path, err))
		}
	}
	return skipped, errors.Join(errs...)
}

// Locations lists the legal breakpoint positions of a source line range, in client coordinates.
func (e *Engine) Locations(ctx context.Context, args dap.BreakpointLocationsArguments) ([]dap.BreakpointLocation, error) {
	path, err := e.sourcePath(args.Source)
	if err != nil {
		return nil, err
	}

	endLine := args.EndLine
	if endLine < args.Line {
		endLine = args.Line
	}
	start, err := e.resolver.ToGenerated(path, args.Line, 0)
	if err != nil {
		return []dap.BreakpointLocation{}, nil
	}
	end, err := e.resolver.ToGenerated(path, endLine+1, 0)
	if err != nil || end.Script != start.Script {
		end = sources.GeneratedLocation{Script: start.Script, Line: start.Line + (endLine - args.Line) + 1}
	}

	candidates, err := e.dbg.GetPossibleBreakpoints(ctx,
		debuggee.Location{ScriptID: start.Script.ID, Line: start.Line, Column: start.Column},
		debuggee.Location{ScriptID: end.Script.ID, Line: end.Line, Column: end.Column})
	if err != nil {
		return nil, err
	}

	canonical := e.resolver.Canonicalize(path)
	result := []dap.BreakpointLocation{}
	for _, c := range candidates {
		client := e.resolver.ToClient(start.Script, c.Line, c.Column)
		if client.Line < args.Line || client.Line > endLine {
			continue
		}
		if client.Mapped && e.resolver.Canonicalize(client.Path) != canonical {
			continue
		}
		result = append(result, dap.BreakpointLocation{Line: client.Line, Column: client.Column})
	}
	return result, nil
}

func exceptionDescription(data json.RawMessage) string {
	if len(data) == 0 {
		return ""
	}
	var exception struct {
		Description string `json:"description"`
	}
	if err := json.Unmarshal(data, &exception); err != nil {
		return ""
	}
	return exception.Description
}
