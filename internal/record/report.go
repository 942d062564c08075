package record

import "fmt"

// renderReport produces the fixed-template health report. The output is a
// pure function of the record's current field values.
func renderReport(rec HealthRecord) string {
	return fmt.Sprintf(
		"Health Report for Patient %s (ID: %d)\nAge: %d\nSymptoms: %s\nDiagnosis: %s\nMedications: %s\nMonitoring Data: %s",
		rec.PatientName,
		rec.ID,
		rec.Age,
		rec.Symptoms,
		rec.Diagnosis,
		rec.Medications,
		rec.MonitoringData,
	)
}
