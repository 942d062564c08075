// Package handlers provides HTTP handlers for the record API.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/vitalcare/go-vha/internal/api/middleware"
	"github.com/vitalcare/go-vha/internal/observability/metrics"
	"github.com/vitalcare/go-vha/internal/record"
)

// RecordHandler handles health record endpoints. The caller identity is
// resolved by the auth middleware and threaded into every store call.
type RecordHandler struct {
	store   *record.Store
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewRecordHandler creates a new handler
func NewRecordHandler(store *record.Store, m *metrics.Metrics, logger *zap.Logger) *RecordHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RecordHandler{store: store, metrics: m, logger: logger}
}

// Routes returns the handler routes
func (h *RecordHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.Create)
	r.Get("/", h.List)
	r.Get("/count", h.Count)
	r.Get("/{id}", h.Get)
	r.Put("/{id}", h.Update)
	r.Delete("/{id}", h.Delete)
	r.Get("/{id}/exists", h.Exists)
	r.Post("/{id}/medications", h.TrackMedication)
	r.Get("/{id}/medications", h.MedicationHistory)
	r.Get("/{id}/activity", h.LatestActivity)
	r.Get("/{id}/report", h.Report)
	return r
}

// TrackMedicationRequest is the request body for a medication tracking call
type TrackMedicationRequest struct {
	Medication string `json:"medication"`
}

// Create handles POST /records
func (h *RecordHandler) Create(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tracer := otel.Tracer("record-handler")
	ctx, span := tracer.Start(ctx, "create_record")
	defer span.End()

	start := time.Now()
	defer func() { h.metrics.RequestDuration.Observe(time.Since(start).Seconds()) }()

	var payload record.PatientUpdatePayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		h.jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	caller := middleware.GetPrincipal(ctx)
	rec, err := h.store.Create(ctx, payload, caller)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	span.SetAttributes(attribute.Int64("record_id", int64(rec.ID)))

	h.metrics.RecordsCreated.Inc()
	h.updateStoredGauge(r)
	h.logger.Info("record created",
		zap.Uint64("id", rec.ID),
		zap.String("request_id", middleware.GetRequestID(ctx)),
	)

	h.writeJSON(w, http.StatusCreated, rec)
}

// Get handles GET /records/{id}
func (h *RecordHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := h.recordID(w, r)
	if !ok {
		return
	}

	rec, err := h.store.Get(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, rec)
}

// List handles GET /records
func (h *RecordHandler) List(w http.ResponseWriter, r *http.Request) {
	recs, err := h.store.List(r.Context())
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, recs)
}

// Update handles PUT /records/{id}
func (h *RecordHandler) Update(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, ok := h.recordID(w, r)
	if !ok {
		return
	}

	start := time.Now()
	defer func() { h.metrics.RequestDuration.Observe(time.Since(start).Seconds()) }()

	var payload record.PatientUpdatePayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		h.jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	rec, err := h.store.Update(ctx, id, payload, middleware.GetPrincipal(ctx))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	h.metrics.RecordsUpdated.Inc()
	h.writeJSON(w, http.StatusOK, rec)
}

// Delete handles DELETE /records/{id}. The response carries the deleted
// snapshot.
func (h *RecordHandler) Delete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, ok := h.recordID(w, r)
	if !ok {
		return
	}

	rec, err := h.store.Delete(ctx, id, middleware.GetPrincipal(ctx))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	h.metrics.RecordsDeleted.Inc()
	h.updateStoredGauge(r)
	h.writeJSON(w, http.StatusOK, rec)
}

// TrackMedication handles POST /records/{id}/medications
func (h *RecordHandler) TrackMedication(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, ok := h.recordID(w, r)
	if !ok {
		return
	}

	var req TrackMedicationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if err := h.store.TrackMedication(ctx, id, req.Medication, middleware.GetPrincipal(ctx)); err != nil {
		h.writeDomainError(w, err)
		return
	}

	h.metrics.MedicationsTracked.Inc()
	h.writeJSON(w, http.StatusOK, map[string]any{"id": id, "tracked": req.Medication})
}

// MedicationHistory handles GET /records/{id}/medications
func (h *RecordHandler) MedicationHistory(w http.ResponseWriter, r *http.Request) {
	id, ok := h.recordID(w, r)
	if !ok {
		return
	}

	history, err := h.store.MedicationHistory(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{"id": id, "medication_history": history})
}

// Count handles GET /records/count
func (h *RecordHandler) Count(w http.ResponseWriter, r *http.Request) {
	n, err := h.store.Count(r.Context())
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{"count": n})
}

// Exists handles GET /records/{id}/exists
func (h *RecordHandler) Exists(w http.ResponseWriter, r *http.Request) {
	id, ok := h.recordID(w, r)
	if !ok {
		return
	}

	exists, err := h.store.Exists(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{"id": id, "exists": exists})
}

// LatestActivity handles GET /records/{id}/activity
func (h *RecordHandler) LatestActivity(w http.ResponseWriter, r *http.Request) {
	id, ok := h.recordID(w, r)
	if !ok {
		return
	}

	ts, err := h.store.LatestActivity(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{"id": id, "latest_activity": ts})
}

// Report handles GET /records/{id}/report. The report is plain text.
func (h *RecordHandler) Report(w http.ResponseWriter, r *http.Request) {
	id, ok := h.recordID(w, r)
	if !ok {
		return
	}

	report, err := h.store.GenerateReport(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	h.metrics.ReportsGenerated.Inc()
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(report))
}

// recordID parses the {id} route parameter, writing a 400 on failure.
func (h *RecordHandler) recordID(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		h.jsonError(w, "invalid record id", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

// writeDomainError maps the store's error taxonomy onto HTTP status codes.
func (h *RecordHandler) writeDomainError(w http.ResponseWriter, err error) {
	var (
		notFound   *record.NotFoundError
		notOwner   *record.NotOwnerError
		validation *record.ValidationError
		genFailed  *record.GenerateFailedError
	)

	switch {
	case errors.As(err, &validation):
		h.metrics.RequestsRejected.WithLabelValues("validation").Inc()
		h.jsonError(w, err.Error(), http.StatusUnprocessableEntity)
	case errors.As(err, &notOwner):
		h.metrics.RequestsRejected.WithLabelValues("not_owner").Inc()
		h.jsonError(w, err.Error(), http.StatusForbidden)
	case errors.As(err, &notFound):
		h.metrics.RequestsRejected.WithLabelValues("not_found").Inc()
		h.jsonError(w, err.Error(), http.StatusNotFound)
	case errors.As(err, &genFailed):
		h.metrics.RequestsRejected.WithLabelValues("not_found").Inc()
		h.jsonError(w, err.Error(), http.StatusNotFound)
	default:
		h.logger.Error("record operation failed", zap.Error(err))
		h.jsonError(w, "internal server error", http.StatusInternalServerError)
	}
}

func (h *RecordHandler) updateStoredGauge(r *http.Request) {
	if n, err := h.store.Count(r.Context()); err == nil {
		h.metrics.RecordsStored.Set(float64(n))
	}
}

func (h *RecordHandler) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func (h *RecordHandler) jsonError(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
