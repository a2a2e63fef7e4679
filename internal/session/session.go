/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

// Package session implements the per-connection debug session: the state machine, the command
// dispatch table, and the translation of runtime notifications into protocol events.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/go-logr/logr"
	"github.com/google/go-dap"
	"github.com/google/uuid"

	"github.com/microsoft/dap-engine/internal/breakpoints"
	idap "github.com/microsoft/dap-engine/internal/dap"
	"github.com/microsoft/dap-engine/internal/debuggee"
	"github.com/microsoft/dap-engine/internal/handles"
	"github.com/microsoft/dap-engine/internal/pathmap"
	"github.com/microsoft/dap-engine/internal/sourcemap"
	"github.com/microsoft/dap-engine/internal/sources"
	"github.com/microsoft/dap-engine/pkg/concurrency"
)

// The runtime feed has a single thread of execution.
const (
	threadID   = 1
	threadName = "Main Thread"
)

// runtimeState is everything that exists only while the runtime is connected.
type runtimeState struct {
	dbg      debuggee.Debugger
	registry *sources.Registry
	resolver *sources.Resolver
	engine   *breakpoints.Engine

	// sourceMaps is nil when source maps are disabled.
	sourceMaps *sourcemap.Cache
}

// pauseState describes the current pause. It is discarded on resume.
type pauseState struct {
	event      debuggee.PausedEvent
	frameIDs   []int
	exception  *debuggee.RemoteObject
	stopReason string
}

type frameRef struct {
	frame debuggee.CallFrame
}

// variableContainer is what a variables reference points to: a scope or an expandable object.
type variableContainer struct {
	objectID string

	// callFrameID and scopeNumber are set for scopes; scopeNumber is -1 for plain objects.
	callFrameID string
	scopeNumber int

	// repl containers live in the handle space that survives resume.
	repl bool
}

// Session is one debug session, bound to one client connection.
type Session struct {
	id         string
	cfg        Config
	log        logr.Logger
	correlator *idap.Correlator
	dedup      *idap.EventDeduplicator
	state      stateMachine

	configDone  *concurrency.Gate
	shutdownJob *concurrency.OneTimeJob[error]
	lifetimeCtx context.Context
	cancel      context.CancelFunc

	clientLock sync.Mutex
	client     clientCapabilities

	runtimeLock       sync.Mutex
	runtime           *runtimeState
	pauseOnExceptions debuggee.PauseOnExceptionsState
	columnBreakpoints bool

	pauseLock          sync.Mutex
	paused             *pauseState
	resumeRequested    bool
	step               stepFunc
	userPauseRequested bool
	frames             *handles.Handles[*frameRef]
	variables          *handles.ReverseHandles[string, *variableContainer]
	repl               *handles.ReverseHandles[string, *variableContainer]
}

// clientCapabilities is what the client announced in the initialize request.
type clientCapabilities struct {
	linesStartAt1       bool
	columnsStartAt1     bool
	supportsProgress    bool
	supportsInvalidated bool
}

// NewSession creates a session that talks to the client over transport. Call Run to start serving requests.
func NewSession(transport idap.Transport, cfg Config) *Session {
	cfg = cfg.withDefaults()
	lifetimeCtx, cancel := context.WithCancel(context.Background())

	id := uuid.New().String()
	s := &Session{
		id:                id,
		cfg:               cfg,
		log:               cfg.Logger.WithValues("SessionID", id),
		dedup:             idap.NewEventDeduplicator(cfg.EventDeduplicationWindow),
		configDone:        concurrency.NewGate(),
		shutdownJob:       concurrency.NewOneTimeJob[error](),
		lifetimeCtx:       lifetimeCtx,
		cancel:            cancel,
		client:            clientCapabilities{linesStartAt1: true, columnsStartAt1: true},
		pauseOnExceptions: debuggee.PauseOnExceptionsNone,
		columnBreakpoints: cfg.ColumnBreakpoints,
		frames:            handles.NewHandles[*frameRef](handles.DefaultStartHandle),
		variables:         handles.NewReverseHandles[string, *variableContainer](handles.DefaultStartHandle),
		repl:              handles.NewReverseHandles[string, *variableContainer](handles.ReplStartHandle),
	}

	s.correlator = idap.NewCorrelator(transport, idap.CorrelatorConfig{
		Handlers:      s.handlers(),
		CustomRequest: s.handleCustomRequest,
		Middleware:    []idap.Middleware{idap.LoggingMiddleware(s.log)},
		OnError: func(err error) {
			s.log.Info("Malformed message from the client", "Error", err.Error())
		},
		Log: s.log,
	})

	return s
}

func (s *Session) ID() string {
	return s.id
}

func (s *Session) State() State {
	return s.state.Current()
}

// Run serves client requests until the client disconnects, the connection fails, or ctx is cancelled.
func (s *Session) Run(ctx context.Context) error {
	s.log.V(1).Info("Session started")
	runErr := s.correlator.Run(ctx)
	shutdownErr := s.shutdown(nil)
	s.log.V(1).Info("Session ended")
	return errors.Join(runErr, shutdownErr)
}

// Done is closed when the session has shut down.
func (s *Session) Done() <-chan struct{} {
	return s.shutdownJob.Done()
}

// shutdown tears the session down once. exitCode is reported with an exited event when the runtime went away on its own.
func (s *Session) shutdown(exitCode *int) error {
	result, _ := s.shutdownJob.Run(func() error {
		s.state.terminate(StateTerminating)
		s.configDone.Open()

		var errs []error
		rt := s.currentRuntime()
		if rt != nil {
			if err := rt.dbg.Close(); err != nil {
				errs = append(errs, fmt.Errorf("failed to close the runtime connection: %w", err))
			}
			if rt.sourceMaps != nil {
				rt.sourceMaps.LogMetrics()
				rt.sourceMaps.Close()
			}
		}
		s.cancel()

		s.pauseLock.Lock()
		s.paused = nil
		s.frames.Reset()
		s.variables.Reset()
		s.repl.Reset()
		s.pauseLock.Unlock()

		s.state.terminate(StateTerminated)

		if rt != nil && exitCode != nil {
			s.sendEvent(idap.EventExited, idap.ExitedBody(*exitCode))
		}
		s.sendEvent(idap.EventTerminated, idap.TerminatedBody())
		s.log.V(1).Info("Session shut down")
		return errors.Join(errs...)
	})
	return result
}

func (s *Session) currentRuntime() *runtimeState {
	s.runtimeLock.Lock()
	defer s.runtimeLock.Unlock()
	return s.runtime
}

// connectedRuntime returns the runtime or the "not connected" protocol error.
func (s *Session) connectedRuntime() (*runtimeState, error) {
	rt := s.currentRuntime()
	if rt == nil || s.state.Is(StateTerminating, StateTerminated) {
		return nil, idap.RuntimeNotConnected()
	}
	return rt, nil
}

func (s *Session) clientCaps() clientCapabilities {
	s.clientLock.Lock()
	defer s.clientLock.Unlock()
	return s.client
}

func (s *Session) sendEvent(event string, body any) {
	if err := s.correlator.SendEvent(event, body); err != nil {
		s.log.V(1).Info("Could not send event", "Event", event, "Error", err.Error())
	}
}

// sendBreakpointEvent reports a breakpoint change, dropping repeats of the same change within the deduplication window.
func (s *Session) sendBreakpointEvent(reason string, bp dap.Breakpoint) {
	msg, err := idap.NewEvent(idap.EventBreakpoint, idap.BreakpointBody(reason, bp))
	if err != nil {
		s.log.Error(err, "Could not create breakpoint event")
		return
	}
	if s.dedup.ShouldSuppress(msg) {
		s.log.V(1).Info("Suppressing duplicate breakpoint event", "Breakpoint", bp.Id)
		return
	}
	if sendErr := s.correlator.Send(msg); sendErr != nil {
		s.log.V(1).Info("Could not send event", "Event", idap.EventBreakpoint, "Error", sendErr.Error())
	}
}

// newRuntimeState builds the source and breakpoint machinery for a freshly connected runtime.
func (s *Session) newRuntimeState(dbg debuggee.Debugger, args LaunchArgs, caps clientCapabilities) (*runtimeState, error) {
	strategy := s.cfg.BreakOnLoad
	if args.BreakOnLoadStrategy != "" {
		parsed, err := breakpoints.ParseStrategy(args.BreakOnLoadStrategy)
		if err != nil {
			return nil, err
		}
		strategy = parsed
	}

	var skipFiles *breakpoints.SkipFiles
	if len(args.SkipFiles) > 0 || len(args.SkipFileRegExps) > 0 {
		var err error
		skipFiles, err = breakpoints.NewSkipFiles(args.SkipFiles, args.SkipFileRegExps, s.cfg.CaseInsensitivePaths)
		if err != nil {
			return nil, fmt.Errorf("invalid skip files configuration: %w", err)
		}
	}

	registry := sources.NewRegistry()
	resolver := sources.NewResolver(registry, sources.ResolverConfig{
		PathMapping:     pathmap.NewTable(args.PathMapping, s.cfg.CaseInsensitivePaths),
		CaseInsensitive: s.cfg.CaseInsensitivePaths,
		LinesStartAt1:   caps.linesStartAt1,
		ColumnsStartAt1: caps.columnsStartAt1,
	})

	rt := &runtimeState{dbg: dbg, registry: registry, resolver: resolver}

	if args.sourceMapsEnabled() {
		loader := sourcemap.NewLoader(sourcemap.Options{
			CaseInsensitive: s.cfg.CaseInsensitivePaths,
			PathOverrides:   args.SourceMapPathOverrides,
		}, s.log.WithName("SourceMaps"))
		cache, err := sourcemap.NewCache(loader, s.log.WithName("SourceMaps"))
		if err != nil {
			return nil, err
		}
		if watchErr := cache.WatchFiles(s.lifetimeCtx); watchErr != nil {
			s.log.Info("Source maps will not be reloaded when they change on disk", "Error", watchErr.Error())
		}
		rt.sourceMaps = cache
	}

	columnBreakpoints := s.cfg.ColumnBreakpoints
	if args.ColumnBreakpoints != nil {
		columnBreakpoints = *args.ColumnBreakpoints
	}
	s.runtimeLock.Lock()
	s.columnBreakpoints = columnBreakpoints
	s.runtimeLock.Unlock()

	rt.engine = breakpoints.NewEngine(
		s.lifetimeCtx,
		dbg,
		resolver,
		sources.NewPendingBreakpoints(s.log.WithName("PendingBreakpoints")),
		breakpoints.Config{
			Strategy:          strategy,
			ColumnBreakpoints: columnBreakpoints,
			SkipFiles:         skipFiles,
		},
		s.sendBreakpointEvent,
		s.log.WithName("Breakpoints"),
	)

	return rt, nil
}

// start connects to the runtime and runs it once the client finished configuring the session.
// It implements both launch and attach; the runtime process is expected to exist already.
func (s *Session) start(ctx context.Context, command string, args LaunchArgs) error {
	caps := s.clientCaps()

	progressID := ""
	if caps.supportsProgress {
		progressID = uuid.New().String()
		s.sendEvent(idap.EventProgressStart, idap.ProgressStartBody(progressID, "Attaching to the debug target", describeTarget(args.target())))
	}
	endProgress := func(message string) {
		if progressID != "" {
			s.sendEvent(idap.EventProgressEnd, idap.ProgressEndBody(progressID, message))
		}
	}

	connectCtx, cancelConnect := context.WithTimeout(ctx, args.connectTimeout(s.cfg.RuntimeTimeout))
	dbg, connectErr := s.cfg.Connector.Connect(connectCtx, args.target())
	cancelConnect()
	if connectErr != nil {
		endProgress("Failed")
		return idap.RuntimeNotConnected().WithCause(connectErr)
	}

	rt, err := s.newRuntimeState(dbg, args, caps)
	if err != nil {
		_ = dbg.Close()
		endProgress("Failed")
		return err
	}

	s.runtimeLock.Lock()
	if s.state.Is(StateTerminating, StateTerminated) {
		s.runtimeLock.Unlock()
		_ = dbg.Close()
		endProgress("Cancelled")
		return idap.RuntimeNotConnected()
	}
	s.runtime = rt
	pauseOnExceptions := s.pauseOnExceptions
	columnBreakpoints := s.columnBreakpoints
	s.runtimeLock.Unlock()

	go s.pumpEvents(rt)

	if err = dbg.Enable(ctx); err != nil {
		endProgress("Failed")
		return err
	}
	if err = rt.engine.Start(ctx); err != nil {
		endProgress("Failed")
		return err
	}
	if err = dbg.SetPauseOnExceptions(ctx, pauseOnExceptions); err != nil {
		s.log.Info("Could not set the exception pause state", "Error", err.Error())
	}

	if columnBreakpoints != s.cfg.ColumnBreakpoints {
		s.sendEvent(idap.EventCapabilities, idap.CapabilitiesBody(dap.Capabilities{
			SupportsBreakpointLocationsRequest: columnBreakpoints,
		}))
	}

	s.sendEvent(idap.EventInitialized, nil)
	if progressID != "" {
		s.sendEvent(idap.EventProgressUpdate, idap.ProgressUpdateBody(progressID, "Waiting for configuration"))
	}

	waitCtx, cancelWait := context.WithTimeout(ctx, s.cfg.ConfigurationDoneTimeout)
	waitErr := s.configDone.Wait(waitCtx)
	cancelWait()
	if waitErr != nil {
		if ctx.Err() != nil {
			endProgress("Cancelled")
			return idap.Cancelled(command)
		}
		s.log.Info("Timed out waiting for configurationDone, starting the debuggee anyway", "Timeout", s.cfg.ConfigurationDoneTimeout)
	}
	if s.state.Is(StateTerminating, StateTerminated) {
		endProgress("Cancelled")
		return idap.Cancelled(command)
	}

	if err = dbg.RunIfWaitingForDebugger(ctx); err != nil {
		s.log.Info("Could not resume a runtime waiting for the debugger", "Error", err.Error())
	}

	from := StateLaunching
	if command == "attach" {
		from = StateAttaching
	}
	s.state.TransitionFrom(from, StateRunning)

	s.sendEvent(idap.EventThread, idap.ThreadBody("started", threadID))
	endProgress("Attached")
	return nil
}

func describeTarget(t debuggee.Target) string {
	if t.URL != "" {
		return t.URL
	}
	address := t.Address
	if address == "" {
		address = "127.0.0.1"
	}
	return fmt.Sprintf("%s:%d", address, t.Port)
}
