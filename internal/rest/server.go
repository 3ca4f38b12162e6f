// Copyright 2021-present ZenBPM Contributors
// (based on git commit history).
//
// ZenBPM project is available under two licenses:
//  - SPDX-License-Identifier: AGPL-3.0-or-later (See LICENSE-AGPL.md)
//  - Enterprise License (See LICENSE-ENTERPRISE.md)

// Package rest is the operational HTTP surface of a zenflow node.
package rest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/pbinitiative/zenflow/internal/config"
	"github.com/pbinitiative/zenflow/internal/log"
	"github.com/pbinitiative/zenflow/internal/rest/middleware"
	"github.com/pbinitiative/zenflow/pkg/bpmn"
	"github.com/pbinitiative/zenflow/pkg/bpmn/model"
	"github.com/pbinitiative/zenflow/pkg/command"
	"github.com/pbinitiative/zenflow/pkg/scheduler"
	"github.com/pbinitiative/zenflow/pkg/storage"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	PaginationDefaultOffset = 0
	PaginationDefaultLimit  = 10
	maxBodySize             = 4 << 20
)

type ApiError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

type Server struct {
	engine *bpmn.Engine
	addr   string
	server *http.Server
}

func NewServer(engine *bpmn.Engine, conf config.Config) *Server {
	s := Server{
		engine: engine,
		addr:   conf.Server.Addr,
	}
	s.server = &http.Server{
		ReadHeaderTimeout: 3 * time.Second,
		Handler:           s.Handler(conf),
		Addr:              conf.Server.Addr,
	}
	return &s
}

// Handler builds the router, mounted under the configured context path.
func (s *Server) Handler(conf config.Config) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Cors(conf.Server.AllowedOrigins, conf.Tracing.TransferHeaders...))
	r.Use(middleware.Opentelemetry(conf.Tracing))
	r.Use(middleware.StripEmptyQueryParams())

	api := chi.NewRouter()
	api.Route("/v1", func(r chi.Router) {
		r.Get("/commands", s.listCommands)
		r.Post("/commands/{name}", s.executeCommand)
		r.Post("/definitions", s.deployDefinition)
		r.Get("/definitions/{key}", s.getDefinition)
		r.Get("/process-instances/{key}", s.getProcessInstance)
		r.Get("/process-instances/{key}/flow-nodes", s.getFlowNodeInstances)
		r.Post("/flow-nodes/{key}/complete", s.completeFlowNode)
		r.Post("/flow-nodes/{key}/fail", s.failFlowNode)
		r.Get("/jobs/failed", s.listFailedJobs)
		r.Post("/jobs/failed/{key}/replay", s.replayFailedJob)
		r.Delete("/jobs/failed/{key}", s.purgeFailedJob)
	})
	// register system endpoints
	api.Route("/system", func(r chi.Router) {
		r.Get("/metrics", promhttp.Handler().ServeHTTP)
		r.Get("/status", func(w http.ResponseWriter, r *http.Request) {
			writeJson(w, http.StatusOK, map[string]any{
				"name":       s.engine.Name(),
				"connectors": s.engine.Connectors().Types(),
				"commands":   len(s.engine.Commands().List()),
			})
		})
	})
	if conf.Server.Context == "" || conf.Server.Context == "/" {
		r.Mount("/", api)
	} else {
		r.Mount(conf.Server.Context, api)
	}
	return r
}

func (s *Server) Start() (net.Listener, error) {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	log.Info("zenflow REST server listening on %s", listener.Addr())
	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("Error starting server: %s", err)
		}
	}()
	return listener, nil
}

func (s *Server) Stop(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	err := s.server.Shutdown(ctx)
	if err != nil {
		log.Error("Error stopping server: %s", err)
	}
}

func (s *Server) listCommands(w http.ResponseWriter, r *http.Request) {
	writeJson(w, http.StatusOK, s.engine.Commands().List())
}

func (s *Server) executeCommand(w http.ResponseWriter, r *http.Request) {
	params := map[string]any{}
	if err := readJson(r, &params); err != nil {
		writeError(w, r, err)
		return
	}
	res, err := s.engine.Commands().Execute(r.Context(), chi.URLParam(r, "name"), params)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJson(w, http.StatusOK, res)
}

func (s *Server) deployDefinition(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		writeError(w, r, badRequest(err))
		return
	}
	definition, err := model.LoadYAML(data)
	if err != nil {
		writeError(w, r, badRequest(err))
		return
	}
	definition, err = s.engine.DeployDefinition(r.Context(), definition)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJson(w, http.StatusCreated, map[string]any{
		"key":     definition.Key,
		"id":      definition.BpmnProcessId,
		"version": definition.Version,
	})
}

func (s *Server) getDefinition(w http.ResponseWriter, r *http.Request) {
	key, ok := keyParam(w, r)
	if !ok {
		return
	}
	definition, err := s.engine.FindProcessDefinition(r.Context(), key)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJson(w, http.StatusOK, definition)
}

func (s *Server) getProcessInstance(w http.ResponseWriter, r *http.Request) {
	key, ok := keyParam(w, r)
	if !ok {
		return
	}
	inst, err := s.engine.FindProcessInstance(r.Context(), key)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJson(w, http.StatusOK, inst)
}

func (s *Server) getFlowNodeInstances(w http.ResponseWriter, r *http.Request) {
	key, ok := keyParam(w, r)
	if !ok {
		return
	}
	if _, err := s.engine.FindProcessInstance(r.Context(), key); err != nil {
		writeError(w, r, err)
		return
	}
	fnis, err := s.engine.FindFlowNodeInstances(r.Context(), key)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJson(w, http.StatusOK, fnis)
}

func (s *Server) completeFlowNode(w http.ResponseWriter, r *http.Request) {
	key, ok := keyParam(w, r)
	if !ok {
		return
	}
	variables := map[string]any{}
	if err := readJson(r, &variables); err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.engine.FlowNodeCompleted(r.Context(), key, variables); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) failFlowNode(w http.ResponseWriter, r *http.Request) {
	key, ok := keyParam(w, r)
	if !ok {
		return
	}
	body := struct {
		Message string `json:"message"`
	}{}
	if err := readJson(r, &body); err != nil {
		writeError(w, r, err)
		return
	}
	if body.Message == "" {
		body.Message = "failed by client"
	}
	if err := s.engine.FlowNodeFailed(r.Context(), key, errors.New(body.Message)); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listFailedJobs(w http.ResponseWriter, r *http.Request) {
	offset, err := intQuery(r, "offset", PaginationDefaultOffset)
	if err != nil {
		writeError(w, r, err)
		return
	}
	limit, err := intQuery(r, "limit", PaginationDefaultLimit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	jobs, err := s.engine.Scheduler().ListFailedJobs(r.Context(), offset, limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJson(w, http.StatusOK, map[string]any{
		"items":  jobs,
		"offset": offset,
		"limit":  limit,
		"count":  len(jobs),
	})
}

func (s *Server) replayFailedJob(w http.ResponseWriter, r *http.Request) {
	key, ok := keyParam(w, r)
	if !ok {
		return
	}
	overrides := map[string]any{}
	if err := readJson(r, &overrides); err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.engine.Scheduler().ReplayFailedJob(r.Context(), key, overrides); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) purgeFailedJob(w http.ResponseWriter, r *http.Request) {
	key, ok := keyParam(w, r)
	if !ok {
		return
	}
	if err := s.engine.Scheduler().PurgeFailedJob(r.Context(), key); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type badRequestError struct {
	err error
}

func (e badRequestError) Error() string {
	return e.err.Error()
}

func (e badRequestError) Unwrap() error {
	return e.err
}

func badRequest(err error) error {
	return badRequestError{err: err}
}

func keyParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	key, err := strconv.ParseInt(chi.URLParam(r, "key"), 10, 64)
	if err != nil {
		writeError(w, r, badRequest(fmt.Errorf("invalid key: %w", err)))
		return 0, false
	}
	return key, true
}

func intQuery(r *http.Request, name string, def int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	i, err := strconv.Atoi(v)
	if err != nil || i < 0 {
		return 0, badRequest(fmt.Errorf("%s must be a non negative integer", name))
	}
	return i, nil
}

// readJson decodes the body into v, an empty body leaves v untouched.
func readJson(r *http.Request, v any) error {
	if r.Body == nil {
		return nil
	}
	decoder := json.NewDecoder(io.LimitReader(r.Body, maxBodySize))
	decoder.UseNumber()
	if err := decoder.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return badRequest(fmt.Errorf("invalid JSON body: %w", err))
	}
	return nil
}

func writeJson(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Error("failed to write response: %s", err)
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, errType := classify(err)
	if status >= http.StatusInternalServerError {
		log.Errorf(r.Context(), "%s %s failed: %s", r.Method, r.URL.Path, err)
	}
	writeJson(w, status, ApiError{Message: err.Error(), Type: errType})
}

func classify(err error) (int, string) {
	var badReq badRequestError
	var engineErr *bpmn.BpmnEngineError
	var expressionErr *bpmn.ExpressionEvaluationError
	var validationErr *scheduler.ValidationError
	switch {
	case errors.As(err, &badReq), errors.Is(err, command.ErrInvalidParameter), errors.As(err, &validationErr),
		errors.Is(err, model.ErrInvalidDefinition):
		return http.StatusBadRequest, "BAD_REQUEST"
	case errors.Is(err, command.ErrCommandNotFound), errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, bpmn.ErrFlowNodeNotActive), errors.Is(err, bpmn.ErrInstanceNotActive),
		errors.Is(err, scheduler.ErrJobNotFailed), errors.Is(err, storage.ErrLockConflict):
		return http.StatusConflict, "CONFLICT"
	case errors.As(err, &engineErr), errors.As(err, &expressionErr):
		return http.StatusUnprocessableEntity, "ENGINE_ERROR"
	default:
		return http.StatusInternalServerError, "ERROR"
	}
}
