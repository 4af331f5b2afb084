package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/quillreport/quill/internal/assembler"
	"github.com/quillreport/quill/internal/matcher"
	"github.com/quillreport/quill/internal/model"
	"github.com/quillreport/quill/internal/orchestrator"
	"github.com/quillreport/quill/internal/parser"
	"github.com/quillreport/quill/internal/queries"
	"github.com/quillreport/quill/internal/store"
)

const maxBodySize = 4 << 20 // 4MB

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request", "invalid request body: %v", err)
		return false
	}
	return true
}

func handleHealth(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()

		status := "ok"
		sources := make(map[string]string)
		for _, id := range deps.Sources.IDs() {
			src, err := deps.Sources.Get(id)
			if err != nil {
				continue
			}
			if err := src.Ping(ctx); err != nil {
				sources[id] = "unreachable"
				status = "degraded"
			} else {
				sources[id] = "ok"
			}
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"status":  status,
			"sources": sources,
		})
	}
}

func handleMetrics(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snap, err := deps.Collector.Collect(r.Context(), deps.Config.Monitoring.LookbackWindowHours)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "internal_error", "collect metrics: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, snap)
	}
}

// AnalyzeTemplateRequest asks for a parse plus field suggestions for every
// placeholder in a template, without persisting anything.
type AnalyzeTemplateRequest struct {
	TemplateID   string `json:"template_id"`
	TemplateText string `json:"template_text"`
	DataSourceID string `json:"data_source_id"`
}

type analyzedPlaceholder struct {
	Token model.PlaceholderToken `json:"token"`
	Match *matcher.Result        `json:"match,omitempty"`
	Query string                 `json:"generated_query,omitempty"`
}

func handleAnalyzeTemplate(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req AnalyzeTemplateRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if req.TemplateText == "" {
			httpError(w, http.StatusBadRequest, "invalid_request", "template_text is required")
			return
		}

		src, err := deps.Sources.Get(req.DataSourceID)
		if err != nil {
			httpError(w, http.StatusNotFound, "unknown_source", "%v", err)
			return
		}
		schema, err := src.Schema(r.Context())
		if err != nil {
			httpError(w, http.StatusBadGateway, "source_unreachable", "introspect schema: %v", err)
			return
		}

		tokens := parser.Parse(req.TemplateText)
		analyzed := make([]analyzedPlaceholder, 0, len(tokens))
		for _, tok := range tokens {
			entry := analyzedPlaceholder{Token: tok}
			if !tok.IsError() {
				res := deps.Matcher.Match(r.Context(), tok, schema, matcher.Options{})
				entry.Match = &res
				if res.BestMatch != nil {
					if q, err := queries.Generate(*res.BestMatch, tok.Type); err == nil {
						entry.Query = q
					}
				}
			}
			analyzed = append(analyzed, entry)
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"placeholders":      analyzed,
			"type_distribution": parser.TypeDistribution(tokens),
		})
	}
}

// MatchFieldRequest asks for field suggestions for a single placeholder.
type MatchFieldRequest struct {
	Type         string `json:"type"`
	Description  string `json:"description"`
	DataSourceID string `json:"data_source_id"`
}

func handleMatchField(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req MatchFieldRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if req.Description == "" {
			httpError(w, http.StatusBadRequest, "invalid_request", "description is required")
			return
		}

		src, err := deps.Sources.Get(req.DataSourceID)
		if err != nil {
			httpError(w, http.StatusNotFound, "unknown_source", "%v", err)
			return
		}
		schema, err := src.Schema(r.Context())
		if err != nil {
			httpError(w, http.StatusBadGateway, "source_unreachable", "introspect schema: %v", err)
			return
		}

		typ := model.PlaceholderType(req.Type)
		if req.Type == "" || !model.IsKnownType(typ) {
			typ = model.TypeText
		}
		tok := model.PlaceholderToken{
			RawText:     fmt.Sprintf("{{%s: %s}}", typ, req.Description),
			Type:        typ,
			Description: req.Description,
		}

		res := deps.Matcher.Match(r.Context(), tok, schema, matcher.Options{})
		writeJSON(w, http.StatusOK, res)
	}
}

// TestQueryRequest runs a query once, bypassing cache and the validated
// flag, for interactive query debugging.
type TestQueryRequest struct {
	Query        string `json:"query"`
	DataSourceID string `json:"data_source_id"`
}

func handleTestQuery(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req TestQueryRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if req.Query == "" {
			httpError(w, http.StatusBadRequest, "invalid_request", "query is required")
			return
		}

		src, err := deps.Sources.Get(req.DataSourceID)
		if err != nil {
			httpError(w, http.StatusNotFound, "unknown_source", "%v", err)
			return
		}
		schema, err := src.Schema(r.Context())
		if err != nil {
			httpError(w, http.StatusBadGateway, "source_unreachable", "introspect schema: %v", err)
			return
		}

		validation := queries.Validate(r.Context(), req.Query, src, schema)
		if !validation.Valid {
			writeJSON(w, http.StatusOK, map[string]any{"validation": validation})
			return
		}

		timeout := time.Duration(deps.Config.Source.QueryTimeoutMs) * time.Millisecond
		result, elapsed, err := deps.Engine.TestExecute(r.Context(), src, req.Query, timeout)
		resp := map[string]any{
			"validation": validation,
			"result":     result,
			"elapsed_ms": elapsed,
		}
		if err != nil {
			resp["error"] = err.Error()
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// GenerateReportRequest starts a resolution task.
type GenerateReportRequest struct {
	TemplateID   string `json:"template_id"`
	TemplateText string `json:"template_text"`
	DataSourceID string `json:"data_source_id"`
	ForceRefresh bool   `json:"force_refresh"`
}

func handleGenerateReport(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req GenerateReportRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if req.TemplateID == "" || req.TemplateText == "" {
			httpError(w, http.StatusBadRequest, "invalid_request", "template_id and template_text are required")
			return
		}

		src, err := deps.Sources.Get(req.DataSourceID)
		if err != nil {
			httpError(w, http.StatusNotFound, "unknown_source", "%v", err)
			return
		}

		task, err := deps.Orchestrator.StartGeneration(r.Context(), orchestrator.Request{
			TemplateID:   req.TemplateID,
			TemplateText: req.TemplateText,
			Source:       src,
			ForceRefresh: req.ForceRefresh,
		})
		if err != nil {
			httpError(w, http.StatusInternalServerError, "internal_error", "start generation: %v", err)
			return
		}

		writeJSON(w, http.StatusAccepted, task)
	}
}

func handleListTasks(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		filter := store.TaskFilter{
			Status:     model.TaskStatus(q.Get("status")),
			TemplateID: q.Get("template_id"),
		}
		if v := q.Get("limit"); v != "" {
			filter.Limit, _ = strconv.Atoi(v)
		}
		if v := q.Get("offset"); v != "" {
			filter.Offset, _ = strconv.Atoi(v)
		}

		tasks, err := deps.Store.ListTasks(r.Context(), filter)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "internal_error", "list tasks: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
	}
}

func handleGetTask(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		task, err := deps.Orchestrator.Tracker().Snapshot(r.Context(), chi.URLParam(r, "id"))
		if err != nil || task == nil {
			httpError(w, http.StatusNotFound, "not_found", "unknown task")
			return
		}
		writeJSON(w, http.StatusOK, task)
	}
}

func handleTaskEvents(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var after int64
		if v := r.URL.Query().Get("after"); v != "" {
			after, _ = strconv.ParseInt(v, 10, 64)
		}

		events, lastSeq, err := deps.Orchestrator.Tracker().Events(r.Context(), chi.URLParam(r, "id"), after)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "internal_error", "list events: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"events":   events,
			"last_seq": lastSeq,
		})
	}
}

func handleCancelTask(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if !deps.Orchestrator.Tracker().Cancel(id) {
			httpError(w, http.StatusConflict, "not_cancellable", "task is unknown or already terminal")
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{"task_id": id, "cancelling": true})
	}
}

func handleTaskExport(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		task, err := deps.Orchestrator.Tracker().Snapshot(r.Context(), id)
		if err != nil || task == nil {
			httpError(w, http.StatusNotFound, "not_found", "unknown task")
			return
		}
		if !task.Status.Terminal() {
			httpError(w, http.StatusConflict, "task_running", "task has not finished")
			return
		}

		w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", "task-"+id+".xlsx"))
		if err := assembler.ExportXLSX(w, task); err != nil {
			httpError(w, http.StatusInternalServerError, "internal_error", "export: %v", err)
		}
	}
}

func handleExecutionHistory(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		values, err := deps.Engine.History(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			httpError(w, http.StatusInternalServerError, "internal_error", "list executions: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"executions": values})
	}
}

func handleInvalidateCache(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n, err := deps.Engine.Invalidate(r.Context(), chi.URLParam(r, "id"), r.URL.Query().Get("data_source_id"))
		if err != nil {
			httpError(w, http.StatusInternalServerError, "internal_error", "invalidate: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"invalidated": n})
	}
}
