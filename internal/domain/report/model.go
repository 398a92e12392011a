package report

import (
	"time"

	"github.com/google/uuid"

	"github.com/medclare/medclare/internal/confidence"
	"github.com/medclare/medclare/internal/findings"
)

// Status is the processing state of a report.
type Status string

const (
	StatusUploaded   Status = "uploaded"
	StatusProcessing Status = "processing"
	StatusExtracted  Status = "extracted"
	StatusExplained  Status = "explained"
	StatusEdited     Status = "edited"
)

func (s Status) Valid() bool {
	switch s {
	case StatusUploaded, StatusProcessing, StatusExtracted, StatusExplained, StatusEdited:
		return true
	}
	return false
}

// HasExplanation reports whether the status carries a patient-visible
// explanation that can be verified, edited or evaluated.
func (s Status) HasExplanation() bool {
	return s == StatusExplained || s == StatusEdited
}

// VerificationStatus is the doctor's trust decision on the current explanation.
type VerificationStatus string

const (
	VerificationNone     VerificationStatus = "none"
	VerificationApproved VerificationStatus = "approved"
	VerificationRejected VerificationStatus = "rejected"
)

type Type string

const (
	TypeLabReport    Type = "lab_report"
	TypePrescription Type = "prescription"
)

func (t Type) Valid() bool { return t == TypeLabReport || t == TypePrescription }

type PersonalizationLevel string

const (
	LevelSimple   PersonalizationLevel = "simple"
	LevelStandard PersonalizationLevel = "standard"
	LevelDetailed PersonalizationLevel = "detailed"
)

func (l PersonalizationLevel) Valid() bool {
	switch l {
	case LevelSimple, LevelStandard, LevelDetailed:
		return true
	}
	return false
}

// Severity grades an explanation section.
type Severity string

const (
	SeverityNormal    Severity = "normal"
	SeverityAttention Severity = "attention"
	SeverityConcern   Severity = "concern"
)

// ParseSeverity maps free-form model output onto a known severity, falling
// back to attention.
func ParseSeverity(s string) Severity {
	switch Severity(s) {
	case SeverityNormal, SeverityAttention, SeverityConcern:
		return Severity(s)
	}
	return SeverityAttention
}

type CertaintyLevel string

const (
	CertaintyEstablished CertaintyLevel = "established"
	CertaintyInferred    CertaintyLevel = "inferred"
)

type SourceType string

const (
	SourceFinding  SourceType = "finding"
	SourceEvidence SourceType = "evidence"
	SourceDocument SourceType = "document"
)

// SourceMapping traces one claim of a section back to where it came from.
type SourceMapping struct {
	Sentence   string     `json:"sentence,omitempty"`
	SourceType SourceType `json:"source_type"`
	SourceRef  string     `json:"source_ref"`
}

// Section is one titled block of an explanation.
type Section struct {
	Title           string          `json:"title"`
	Content         string          `json:"content"`
	Severity        Severity        `json:"severity"`
	CertaintyLevel  CertaintyLevel  `json:"certainty_level,omitempty"`
	FindingsCovered []string        `json:"findings_covered,omitempty"`
	SourceMapping   []SourceMapping `json:"source_mapping,omitempty"`
}

// Grounded reports whether the section has a source mapping or a [N] marker
// that resolves to one of citations.
func (s Section) Grounded(citations []Citation) bool {
	if len(s.SourceMapping) > 0 {
		return true
	}
	for _, id := range CitedIDs(s.Content) {
		for _, c := range citations {
			if c.ID == id {
				return true
			}
		}
	}
	return false
}

// Citation is a numbered evidence passage referenced as [N] in the text.
type Citation struct {
	ID        int     `json:"id"`
	Source    string  `json:"source"`
	Text      string  `json:"text"`
	Category  string  `json:"category,omitempty"`
	Relevance float64 `json:"relevance_score,omitempty"`
}

// FlagSeverity is the closed set of guardrail flag severities. Critical marks
// a hard safety violation that withholds the explanation.
type FlagSeverity string

const (
	FlagInfo     FlagSeverity = "info"
	FlagWarning  FlagSeverity = "warning"
	FlagCritical FlagSeverity = "critical"
)

// GuardrailFlag is an advisory annotation attached by a pipeline run.
type GuardrailFlag struct {
	Type     string       `json:"type"`
	Severity FlagSeverity `json:"severity"`
	Message  string       `json:"message"`
	Section  string       `json:"section,omitempty"`
}

// HardViolation reports whether any flag is critical.
func HardViolation(flags []GuardrailFlag) bool {
	for _, f := range flags {
		if f.Severity == FlagCritical {
			return true
		}
	}
	return false
}

type EditType string

const (
	EditOriginal    EditType = "original"
	EditDoctor      EditType = "doctor_edit"
	EditRegenerated EditType = "regenerated"
)

// ExplanationVersion is one immutable revision of a report's explanation text.
type ExplanationVersion struct {
	ID        uuid.UUID `json:"id"`
	ReportID  uuid.UUID `json:"report_id"`
	Version   int       `json:"version"`
	EditType  EditType  `json:"edit_type"`
	Text      string    `json:"text"`
	Author    string    `json:"author,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Audit actions.
const (
	ActionPipelineComplete    = "pipeline_complete"
	ActionPipelineError       = "pipeline_error"
	ActionVerificationApprove = "verification_approve"
	ActionVerificationReject  = "verification_reject"
	ActionExplanationEdit     = "explanation_edit"
	ActionReviewRequested     = "review_requested"
	ActionReportDeleted       = "report_deleted"
	ActionReportRestored      = "report_restored"
)

type AuditEntry struct {
	ID        uuid.UUID      `json:"id"`
	ReportID  uuid.UUID      `json:"report_id"`
	Action    string         `json:"action"`
	Actor     string         `json:"actor,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// TraceStage records what one pipeline stage did.
type TraceStage struct {
	Stage      string         `json:"stage"`
	Confidence *float64       `json:"confidence,omitempty"`
	DurationMS int64          `json:"duration_ms"`
	Skipped    bool           `json:"skipped,omitempty"`
	Detail     map[string]any `json:"detail,omitempty"`
}

// Trace is the reasoning trace of the latest pipeline run.
type Trace struct {
	StartedAt   time.Time    `json:"started_at"`
	CompletedAt *time.Time   `json:"completed_at,omitempty"`
	Stages      []TraceStage `json:"stages"`
	Error       string       `json:"error,omitempty"`
}

// Report is the central entity of the engine.
type Report struct {
	ID                   uuid.UUID            `json:"id"`
	PatientID            string               `json:"patient_id"`
	Title                string               `json:"title"`
	ReportType           Type                 `json:"report_type"`
	Status               Status               `json:"status"`
	Lang                 string               `json:"lang"`
	PersonalizationLevel PersonalizationLevel `json:"personalization_level"`

	FileKey     string `json:"-"`
	FileName    string `json:"file_name,omitempty"`
	ContentType string `json:"content_type,omitempty"`
	OCRText     string `json:"ocr_text,omitempty"`

	Findings            []findings.Finding    `json:"findings"`
	Medications         []findings.Medication `json:"medications"`
	ExplanationText     string                `json:"explanation_text"`
	ExplanationWithheld bool                  `json:"explanation_withheld"`
	Sections            []Section             `json:"sections"`
	Citations           []Citation            `json:"citations"`
	ConfidenceScores    *confidence.Scores    `json:"confidence_scores,omitempty"`
	GuardrailFlags      []GuardrailFlag       `json:"guardrail_flags"`
	ReasoningTrace      *Trace                `json:"reasoning_trace,omitempty"`
	AnxietyLevel        string                `json:"anxiety_level,omitempty"`

	VerificationStatus VerificationStatus `json:"verification_status"`
	DoctorNotes        string             `json:"doctor_notes,omitempty"`
	VerifiedAt         *time.Time         `json:"verified_at,omitempty"`
	VerifiedBy         string             `json:"verified_by,omitempty"`
	ReviewRequested    bool               `json:"review_requested"`
	PatientNote        string             `json:"patient_note,omitempty"`

	IsDeleted bool      `json:"is_deleted,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a deep copy so callers can stage changes without touching the
// stored value.
func (r *Report) Clone() *Report {
	if r == nil {
		return nil
	}
	out := *r
	out.Findings = append([]findings.Finding(nil), r.Findings...)
	out.Medications = append([]findings.Medication(nil), r.Medications...)
	out.Sections = make([]Section, len(r.Sections))
	for i, s := range r.Sections {
		s.FindingsCovered = append([]string(nil), s.FindingsCovered...)
		s.SourceMapping = append([]SourceMapping(nil), s.SourceMapping...)
		out.Sections[i] = s
	}
	out.Citations = append([]Citation(nil), r.Citations...)
	out.GuardrailFlags = append([]GuardrailFlag(nil), r.GuardrailFlags...)
	if r.ConfidenceScores != nil {
		cs := *r.ConfidenceScores
		cs.Stages = make(map[confidence.Stage]float64, len(r.ConfidenceScores.Stages))
		for k, v := range r.ConfidenceScores.Stages {
			cs.Stages[k] = v
		}
		if r.ConfidenceScores.PerFinding != nil {
			cs.PerFinding = make(map[string]float64, len(r.ConfidenceScores.PerFinding))
			for k, v := range r.ConfidenceScores.PerFinding {
				cs.PerFinding[k] = v
			}
		}
		out.ConfidenceScores = &cs
	}
	if r.ReasoningTrace != nil {
		tr := *r.ReasoningTrace
		tr.Stages = append([]TraceStage(nil), r.ReasoningTrace.Stages...)
		out.ReasoningTrace = &tr
	}
	if r.VerifiedAt != nil {
		t := *r.VerifiedAt
		out.VerifiedAt = &t
	}
	return &out
}

// ClearVerification drops any doctor decision. Content changes always do this.
func (r *Report) ClearVerification() {
	r.VerificationStatus = VerificationNone
	r.VerifiedAt = nil
	r.VerifiedBy = ""
}
