package checklist

import "github.com/Strob0t/ReviewForge/internal/domain/document"

// Builtin returns the set of built-in checklists.
func Builtin() []Checklist {
	return []Checklist{
		registrationV1(),
	}
}

// registrationV1 covers the core registration review for a nature-based
// carbon project: identity, eligibility, baseline, monitoring and GHG
// accounting, with the validation body's statement cross-checked last.
func registrationV1() Checklist {
	planning := []document.Type{document.TypeProjectPlan, document.TypeSupportingEvidence}
	return Checklist{
		ID:      "registration-v1",
		Name:    "Project Registration Review",
		Builtin: true,
		Categories: []Category{
			{
				ID:        "project_identity",
				Name:      "Project Identity",
				AppliesTo: []document.Type{document.TypeProjectPlan, document.TypeMonitoringReport, document.TypeGHGReport, document.TypeValidationReport},
				Requirements: []Requirement{
					{ID: "REQ-001", Text: "Project name, proponent and registry identifier are stated", Fields: []string{"project_id", "project_name", "proponent"}},
					{ID: "REQ-002", Text: "Project location and boundary are defined with coordinates or maps", Fields: []string{"country"}},
					{ID: "REQ-003", Text: "Project start date and crediting period are stated", Fields: []string{"project_start_date", "crediting_period_start", "crediting_period_end"}},
				},
			},
			{
				ID:        "eligibility",
				Name:      "Eligibility and Land Tenure",
				AppliesTo: planning,
				Requirements: []Requirement{
					{ID: "REQ-010", Text: "Proponent demonstrates legal right to the land or carbon rights", Criteria: "Deed, lease or government concession covering the project area"},
					{ID: "REQ-011", Text: "Project activities comply with the applicable methodology scope", Fields: []string{"methodology"}},
					{ID: "REQ-012", Text: "No double registration under another GHG program is declared"},
				},
			},
			{
				ID:        "baseline",
				Name:      "Baseline and Additionality",
				AppliesTo: planning,
				Requirements: []Requirement{
					{ID: "REQ-020", Text: "Baseline scenario is identified and justified"},
					{ID: "REQ-021", Text: "Additionality is demonstrated using an approved tool", Criteria: "Investment, barrier or common practice analysis"},
				},
			},
			{
				ID:        "monitoring",
				Name:      "Monitoring Plan",
				AppliesTo: []document.Type{document.TypeProjectPlan, document.TypeMonitoringReport, document.TypeSpreadsheet},
				Requirements: []Requirement{
					{ID: "REQ-030", Text: "Monitored parameters, frequency and responsible parties are defined"},
					{ID: "REQ-031", Text: "Monitoring period is stated and matches the reporting period", Fields: []string{"reporting_period_start", "reporting_period_end"}},
					{ID: "REQ-032", Text: "QA/QC procedures for field measurements are described"},
				},
			},
			{
				ID:        "ghg_accounting",
				Name:      "GHG Accounting",
				AppliesTo: []document.Type{document.TypeGHGReport, document.TypeMonitoringReport, document.TypeSpreadsheet},
				Requirements: []Requirement{
					{ID: "REQ-040", Text: "Net GHG emission reductions or removals are quantified", Fields: []string{"net_reductions_tco2e", "reporting_period_start", "reporting_period_end"}},
					{ID: "REQ-041", Text: "Leakage and uncertainty deductions are applied"},
					{ID: "REQ-042", Text: "Non-permanence risk buffer contribution is calculated", Fields: []string{"buffer_percent"}},
				},
			},
			{
				ID:        "validation",
				Name:      "Validation and Verification",
				AppliesTo: []document.Type{document.TypeValidationReport},
				Requirements: []Requirement{
					{ID: "REQ-050", Text: "An accredited validation/verification body issued a positive opinion", Fields: []string{"project_id", "vvb_name"}},
					{ID: "REQ-051", Text: "All findings raised by the validation body are closed"},
				},
			},
		},
	}
}
