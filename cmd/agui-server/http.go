package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"goa.design/clue/debug"
	"goa.design/clue/health"
	"goa.design/clue/log"
	goahttp "goa.design/goa/v3/http"

	"goa.design/agui/features/stream/pulse"
	"goa.design/agui/runtime/agent"
	"goa.design/agui/runtime/interrupt"
	"goa.design/agui/runtime/runlog"
	"goa.design/agui/runtime/runtime"
	"goa.design/agui/runtime/sse"
)

type (
	// server implements the HTTP API on top of a runtime.
	server struct {
		rt      *runtime.Runtime
		agents  map[string]agent.Agent
		runLog  runlog.Store
		sub     *pulse.Subscriber
		pingers []health.Pinger
		mux     goahttp.Muxer
	}

	resolveBody struct {
		Value json.RawMessage `json:"value"`
	}

	errorBody struct {
		Error string `json:"error"`
	}
)

const (
	maxRequestBody  = 8 << 20
	defaultPageSize = 100
)

// newHandler builds the HTTP handler serving the run API. In debug mode it
// mounts the pprof and log level endpoints and logs request bodies.
func newHandler(ctx context.Context, s *server, dbg bool) http.Handler {
	mux := goahttp.NewMuxer()
	if dbg {
		debug.MountPprofHandlers(debug.Adapt(mux))
		debug.MountDebugLogEnabler(debug.Adapt(mux))
	}
	s.mux = mux
	mux.Handle(http.MethodPost, "/agents/{agentId}/run", s.handleRun)
	mux.Handle(http.MethodPost, "/runs/{runId}/stop", s.handleStop)
	mux.Handle(http.MethodPost, "/runs/{runId}/resolve", s.handleResolve)
	mux.Handle(http.MethodGet, "/runs/{runId}/events", s.handleEvents)
	mux.Handle(http.MethodGet, "/runs/{runId}/stream", s.handleStream)
	mux.Handle(http.MethodGet, "/healthz", health.Handler(health.NewChecker(s.pingers...)))

	var handler http.Handler = mux
	if dbg {
		handler = debug.HTTP()(handler)
	}
	return log.HTTP(ctx)(handler)
}

// handleRun executes a run and streams its events as SSE.
func (s *server) handleRun(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	agentID := s.mux.Vars(r)["agentId"]
	a, ok := s.agents[agentID]
	if !ok {
		writeError(ctx, w, http.StatusNotFound, errors.New("unknown agent "+strconv.Quote(agentID)))
		return
	}
	var in agent.Input
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	if err := goahttp.RequestDecoder(r).Decode(&in); err != nil {
		writeError(ctx, w, http.StatusBadRequest, err)
		return
	}
	if in.RunID != "" {
		if _, active := s.rt.Synchronizer(in.RunID); active {
			writeError(ctx, w, http.StatusConflict, runtime.ErrRunExists)
			return
		}
	}
	sw, err := sse.NewWriter(w)
	if err != nil {
		writeError(ctx, w, http.StatusInternalServerError, err)
		return
	}
	res, err := s.rt.RunAgent(ctx, runtime.Request{
		Agent:          a,
		AgentID:        agentID,
		ThreadID:       in.ThreadID,
		RunID:          in.RunID,
		ParentRunID:    in.ParentRunID,
		Messages:       in.Messages,
		Tools:          in.Tools,
		State:          in.State,
		Context:        in.Context,
		ForwardedProps: in.ForwardedProps,
	}, sw)
	if err != nil {
		log.Error(ctx, err, log.KV{K: "agent", V: agentID}, log.KV{K: "run_id", V: in.RunID})
		return
	}
	log.Info(ctx,
		log.KV{K: "msg", V: "run completed"},
		log.KV{K: "run_id", V: res.RunID},
		log.KV{K: "outcome", V: string(res.Outcome)},
		log.KV{K: "turns", V: res.Turns},
	)
}

// handleStop requests a stop of an active run.
func (s *server) handleStop(w http.ResponseWriter, r *http.Request) {
	if err := s.rt.Stop(s.mux.Vars(r)["runId"]); err != nil {
		writeError(r.Context(), w, statusOf(err), err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// handleResolve resolves the interrupt a run is parked on.
func (s *server) handleResolve(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var body resolveBody
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	if err := goahttp.RequestDecoder(r).Decode(&body); err != nil {
		writeError(ctx, w, http.StatusBadRequest, err)
		return
	}
	if len(body.Value) == 0 {
		writeError(ctx, w, http.StatusBadRequest, errors.New("value is required"))
		return
	}
	if err := s.rt.Resolve(s.mux.Vars(r)["runId"], body.Value); err != nil {
		writeError(ctx, w, statusOf(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleEvents pages through the run log.
func (s *server) handleEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()
	limit := defaultPageSize
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(ctx, w, http.StatusBadRequest, errors.New("limit must be a positive integer"))
			return
		}
		limit = n
	}
	page, err := s.runLog.List(ctx, s.mux.Vars(r)["runId"], q.Get("cursor"), limit)
	if err != nil {
		writeError(ctx, w, http.StatusBadRequest, err)
		return
	}
	if page.Entries == nil {
		page.Entries = []*runlog.Entry{}
	}
	enc := goahttp.ResponseEncoder(ctx, w)
	w.WriteHeader(http.StatusOK)
	if err := enc.Encode(page); err != nil {
		log.Error(ctx, err)
	}
}

// handleStream replays and tails the broadcast stream of a run.
func (s *server) handleStream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if s.sub == nil {
		writeError(ctx, w, http.StatusNotImplemented, errors.New("event fan-out is not configured"))
		return
	}
	events, errs, stop, err := s.sub.Subscribe(ctx, s.mux.Vars(r)["runId"])
	if err != nil {
		writeError(ctx, w, http.StatusInternalServerError, err)
		return
	}
	defer stop()
	sw, err := sse.NewWriter(w)
	if err != nil {
		writeError(ctx, w, http.StatusInternalServerError, err)
		return
	}
	for e := range events {
		if err := sw.Send(ctx, e); err != nil {
			log.Error(ctx, err)
			return
		}
	}
	for err := range errs {
		log.Error(ctx, err)
	}
	_ = sw.Close(ctx)
}

// statusOf maps runtime errors to HTTP status codes.
func statusOf(err error) int {
	switch {
	case errors.Is(err, runtime.ErrRunNotFound):
		return http.StatusNotFound
	case errors.Is(err, interrupt.ErrMalformedResolution):
		return http.StatusBadRequest
	case errors.Is(err, interrupt.ErrAlreadyResolved),
		errors.Is(err, interrupt.ErrNotInterrupted),
		errors.Is(err, interrupt.ErrTerminated):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func writeError(ctx context.Context, w http.ResponseWriter, status int, err error) {
	if status >= http.StatusInternalServerError {
		log.Error(ctx, err)
	}
	enc := goahttp.ResponseEncoder(ctx, w)
	w.WriteHeader(status)
	_ = enc.Encode(errorBody{Error: err.Error()})
}

// handleHTTPServer starts the HTTP server and shuts it down gracefully once
// ctx is cancelled.
func handleHTTPServer(ctx context.Context, addr string, handler http.Handler, shutdownTimeout time.Duration, wg *sync.WaitGroup, errc chan error) {
	srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: time.Second * 60}

	wg.Add(1)
	go func() {
		defer wg.Done()

		go func() {
			log.Printf(ctx, "HTTP server listening on %q", addr)
			errc <- srv.ListenAndServe()
		}()

		<-ctx.Done()
		log.Printf(ctx, "shutting down HTTP server at %q", addr)

		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			log.Printf(ctx, "failed to shutdown: %v", err)
		}
	}()
}
