package record

import "strings"

// Field names reported by ValidationError.
const (
	FieldPatientName    = "patient_name"
	FieldSymptoms       = "symptoms"
	FieldDiagnosis      = "diagnosis"
	FieldMedications    = "medications"
	FieldMonitoringData = "monitoring_data"
	FieldMedication     = "medication"
)

// Validate checks that every required clinical field is non-empty after
// trimming whitespace. Checks run in a fixed order and stop at the first
// failure; callers must not assume all failures are collected.
func Validate(payload PatientUpdatePayload) error {
	checks := []struct {
		field string
		value string
	}{
		{FieldDiagnosis, payload.Diagnosis},
		{FieldMedications, payload.Medications},
		{FieldMonitoringData, payload.MonitoringData},
		{FieldPatientName, payload.PatientName},
		{FieldSymptoms, payload.Symptoms},
	}

	for _, c := range checks {
		if strings.TrimSpace(c.value) == "" {
			return &ValidationError{Field: c.field}
		}
	}
	return nil
}

// validateMedication checks a single medication-tracking entry.
func validateMedication(medication string) error {
	if strings.TrimSpace(medication) == "" {
		return &ValidationError{Field: FieldMedication}
	}
	return nil
}
