package record

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vitalcare/go-vha/internal/audit"
)

// Store orchestrates validation, authorization, counter allocation, and CRUD
// against the durable backend. All mutating operations run under an exclusive
// lock so that id allocation and record insertion form one logical step;
// reads share a read lock and never observe a torn write.
type Store struct {
	mu      sync.RWMutex
	backend Backend
	events  audit.Publisher
	logger  *zap.Logger
	now     func() uint64
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the timestamp source. Timestamps are nanoseconds since
// the Unix epoch.
func WithClock(now func() uint64) Option {
	return func(s *Store) { s.now = now }
}

// WithPublisher sets the audit event sink.
func WithPublisher(p audit.Publisher) Option {
	return func(s *Store) { s.events = p }
}

// NewStore creates a record store on top of the given durable backend.
func NewStore(backend Backend, logger *zap.Logger, opts ...Option) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Store{
		backend: backend,
		events:  audit.NopPublisher{},
		logger:  logger,
		now:     func() uint64 { return uint64(time.Now().UnixNano()) },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create validates the payload, allocates the next id, and persists a new
// record owned by caller. Rejected input consumes no id. The returned record
// has an empty medication history and an unset update timestamp.
func (s *Store) Create(ctx context.Context, payload PatientUpdatePayload, caller string) (HealthRecord, error) {
	// An anonymous record would be ownable by nobody.
	if caller == "" {
		return HealthRecord{}, &NotOwnerError{}
	}
	if err := Validate(payload); err != nil {
		return HealthRecord{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id, err := s.backend.NextID(ctx)
	if err != nil {
		return HealthRecord{}, fmt.Errorf("allocate record id: %w", err)
	}

	rec := HealthRecord{
		ID:                id,
		OwnerIdentity:     caller,
		PatientName:       payload.PatientName,
		Age:               payload.Age,
		Symptoms:          payload.Symptoms,
		Diagnosis:         payload.Diagnosis,
		Medications:       payload.Medications,
		MonitoringData:    payload.MonitoringData,
		MedicationHistory: []string{},
		CreatedAt:         s.now(),
	}

	if err := s.backend.Put(ctx, rec); err != nil {
		return HealthRecord{}, fmt.Errorf("persist record %d: %w", id, err)
	}

	s.publish(ctx, audit.EventRecordCreated, rec.ID, caller, rec)
	s.logger.Info("record created", zap.Uint64("id", rec.ID), zap.String("owner", caller))
	return rec.Clone(), nil
}

// Get returns the record stored under id.
func (s *Store) Get(ctx context.Context, id uint64) (HealthRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok, err := s.backend.Get(ctx, id)
	if err != nil {
		return HealthRecord{}, fmt.Errorf("read record %d: %w", id, err)
	}
	if !ok {
		return HealthRecord{}, &NotFoundError{ID: id}
	}
	return rec.Clone(), nil
}

// Update overwrites the mutable clinical fields of an existing record and
// stamps the update time. Authorization is checked before the payload is
// validated: a non-owner learns only that they are not the owner, never
// whether their input was malformed.
func (s *Store) Update(ctx context.Context, id uint64, payload PatientUpdatePayload, caller string) (HealthRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok, err := s.backend.Get(ctx, id)
	if err != nil {
		return HealthRecord{}, fmt.Errorf("read record %d: %w", id, err)
	}
	if !ok {
		return HealthRecord{}, &NotFoundError{ID: id}
	}
	if err := authorize(rec, caller); err != nil {
		return HealthRecord{}, err
	}
	if err := Validate(payload); err != nil {
		return HealthRecord{}, err
	}

	rec.PatientName = payload.PatientName
	rec.Age = payload.Age
	rec.Symptoms = payload.Symptoms
	rec.Diagnosis = payload.Diagnosis
	rec.Medications = payload.Medications
	rec.MonitoringData = payload.MonitoringData
	ts := s.now()
	rec.UpdatedAt = &ts

	if err := s.backend.Put(ctx, rec); err != nil {
		return HealthRecord{}, fmt.Errorf("persist record %d: %w", id, err)
	}

	s.publish(ctx, audit.EventRecordUpdated, rec.ID, caller, rec)
	s.logger.Info("record updated", zap.Uint64("id", rec.ID))
	return rec.Clone(), nil
}

// Delete removes a record permanently and returns the deleted snapshot.
// There is no soft delete and no tombstone; the id is never reused.
func (s *Store) Delete(ctx context.Context, id uint64, caller string) (HealthRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok, err := s.backend.Get(ctx, id)
	if err != nil {
		return HealthRecord{}, fmt.Errorf("read record %d: %w", id, err)
	}
	if !ok {
		return HealthRecord{}, &NotFoundError{ID: id}
	}
	if err := authorize(rec, caller); err != nil {
		return HealthRecord{}, err
	}

	if _, err := s.backend.Remove(ctx, id); err != nil {
		return HealthRecord{}, fmt.Errorf("remove record %d: %w", id, err)
	}

	s.publish(ctx, audit.EventRecordDeleted, rec.ID, caller, rec)
	s.logger.Info("record deleted", zap.Uint64("id", rec.ID))
	return rec.Clone(), nil
}

// List returns all records. Order is implementation-defined and not promised
// to callers.
func (s *Store) List(ctx context.Context) ([]HealthRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	recs, err := s.backend.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	out := make([]HealthRecord, 0, len(recs))
	for _, rec := range recs {
		out = append(out, rec.Clone())
	}
	return out, nil
}

// TrackMedication appends one entry to a record's medication history. The
// history is append-only and chronological; tracking never touches the
// record's update timestamp, which belongs to the clinical-field channel.
// Unknown ids are rejected with NotFound.
func (s *Store) TrackMedication(ctx context.Context, id uint64, medication, caller string) error {
	if err := validateMedication(medication); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok, err := s.backend.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("read record %d: %w", id, err)
	}
	if !ok {
		return &NotFoundError{ID: id}
	}
	if err := authorize(rec, caller); err != nil {
		return err
	}

	rec.MedicationHistory = append(rec.MedicationHistory, medication)
	if err := s.backend.Put(ctx, rec); err != nil {
		return fmt.Errorf("persist record %d: %w", id, err)
	}

	s.publish(ctx, audit.EventMedicationTracked, rec.ID, caller, map[string]string{"medication": medication})
	s.logger.Info("medication tracked", zap.Uint64("id", rec.ID))
	return nil
}

// MedicationHistory returns the append-only medication log for a record, in
// chronological tracking order.
func (s *Store) MedicationHistory(ctx context.Context, id uint64) ([]string, error) {
	rec, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return rec.MedicationHistory, nil
}

// Count returns the number of stored records.
func (s *Store) Count(ctx context.Context) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n, err := s.backend.Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("count records: %w", err)
	}
	return n, nil
}

// Exists reports whether a record is stored under id.
func (s *Store) Exists(ctx context.Context, id uint64) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok, err := s.backend.Get(ctx, id)
	if err != nil {
		return false, fmt.Errorf("read record %d: %w", id, err)
	}
	return ok, nil
}

// LatestActivity returns the record's update timestamp when set, otherwise
// its creation timestamp.
func (s *Store) LatestActivity(ctx context.Context, id uint64) (uint64, error) {
	rec, err := s.Get(ctx, id)
	if err != nil {
		return 0, err
	}
	return rec.LatestActivity(), nil
}

// GenerateReport renders the fixed-template health report for a record.
// A nonexistent id yields GenerateFailedError rather than NotFoundError.
func (s *Store) GenerateReport(ctx context.Context, id uint64) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok, err := s.backend.Get(ctx, id)
	if err != nil {
		return "", fmt.Errorf("read record %d: %w", id, err)
	}
	if !ok {
		return "", &GenerateFailedError{ID: id}
	}
	return renderReport(rec), nil
}

// authorize fails unless caller is the record's owner. An empty caller
// identity can never own a record.
func authorize(rec HealthRecord, caller string) error {
	if caller == "" || rec.OwnerIdentity != caller {
		return &NotOwnerError{ID: rec.ID}
	}
	return nil
}

// publish sends an audit event, logging and dropping on failure. Audit
// delivery must never fail the mutation it describes.
func (s *Store) publish(ctx context.Context, eventType audit.EventType, id uint64, actor string, detail any) {
	ev := audit.NewEvent(eventType, id, actor, detail)
	if err := s.events.Publish(ctx, ev); err != nil {
		s.logger.Warn("audit publish failed",
			zap.String("event_type", string(eventType)),
			zap.Uint64("record_id", id),
			zap.Error(err))
	}
}
