// Package record implements the patient health record store: identity-scoped
// CRUD, monotonic id allocation, field validation, and the append-only
// medication history sublog.
package record

// HealthRecord is one patient health entry. The id is assigned once at
// creation and never reused; OwnerIdentity is the principal that created the
// record and is the sole authority allowed to mutate or delete it.
type HealthRecord struct {
	ID                uint64   `json:"id"`
	OwnerIdentity     string   `json:"owner_identity"`
	PatientName       string   `json:"patient_name"`
	Age               uint32   `json:"age"`
	Symptoms          string   `json:"symptoms"`
	Diagnosis         string   `json:"diagnosis"`
	Medications       string   `json:"medications"`
	MedicationHistory []string `json:"medication_history"`
	MonitoringData    string   `json:"monitoring_data"`
	CreatedAt         uint64   `json:"created_at"`
	UpdatedAt         *uint64  `json:"updated_at,omitempty"`
}

// Clone returns a deep copy. The medication history slice must not be shared
// between the store and callers, otherwise a caller could grow or reorder the
// sublog behind the store's back.
func (r HealthRecord) Clone() HealthRecord {
	out := r
	if r.MedicationHistory != nil {
		out.MedicationHistory = make([]string, len(r.MedicationHistory))
		copy(out.MedicationHistory, r.MedicationHistory)
	}
	if r.UpdatedAt != nil {
		ts := *r.UpdatedAt
		out.UpdatedAt = &ts
	}
	return out
}

// LatestActivity returns the update timestamp when set, otherwise the
// creation timestamp.
func (r HealthRecord) LatestActivity() uint64 {
	if r.UpdatedAt != nil {
		return *r.UpdatedAt
	}
	return r.CreatedAt
}

// PatientUpdatePayload carries the mutable clinical fields for create and
// update calls. It is never persisted directly.
type PatientUpdatePayload struct {
	PatientName    string `json:"patient_name"`
	Age            uint32 `json:"age"`
	Symptoms       string `json:"symptoms"`
	Diagnosis      string `json:"diagnosis"`
	Medications    string `json:"medications"`
	MonitoringData string `json:"monitoring_data"`
}
