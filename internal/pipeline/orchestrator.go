package pipeline

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/medclare/medclare/internal/confidence"
	"github.com/medclare/medclare/internal/domain/report"
	"github.com/medclare/medclare/internal/evidence"
	"github.com/medclare/medclare/internal/findings"
	"github.com/medclare/medclare/internal/platform/apperr"
	"github.com/medclare/medclare/internal/platform/telemetry"
	"github.com/medclare/medclare/internal/platform/websocket"
)

const (
	DefaultStageTimeout = 60 * time.Second

	failureWriteTimeout = 10 * time.Second
)

// Stages bundles the pluggable stage implementations. Nil members fall back
// to the model-free defaults; a nil Retriever skips retrieval.
type Stages struct {
	OCR        OCR
	Classifier Classifier
	Extractor  Extractor
	Retriever  evidence.Retriever
	Explainer  Explainer
}

// Orchestrator runs the interpretation pipeline for one report at a time.
// All stage output is computed in memory and committed in one transaction
// at the end, so a failed run never overwrites content from an earlier one.
type Orchestrator struct {
	svc          *report.Service
	stages       Stages
	locks        RunLocker
	events       websocket.EventPublisher
	metrics      *telemetry.Provider
	logger       zerolog.Logger
	stageTimeout time.Duration
	topK         int
	now          func() time.Time
}

type Option func(*Orchestrator)

func WithRunLocker(l RunLocker) Option { return func(o *Orchestrator) { o.locks = l } }

func WithEvents(p websocket.EventPublisher) Option { return func(o *Orchestrator) { o.events = p } }

func WithMetrics(m *telemetry.Provider) Option { return func(o *Orchestrator) { o.metrics = m } }

func WithLogger(l zerolog.Logger) Option { return func(o *Orchestrator) { o.logger = l } }

func WithStageTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.stageTimeout = d
		}
	}
}

func WithTopK(k int) Option {
	return func(o *Orchestrator) {
		if k > 0 {
			o.topK = k
		}
	}
}

func WithClock(now func() time.Time) Option { return func(o *Orchestrator) { o.now = now } }

func New(svc *report.Service, stages Stages, opts ...Option) *Orchestrator {
	if stages.OCR == nil {
		stages.OCR = NewDocumentReader(nil)
	}
	if stages.Classifier == nil {
		stages.Classifier = HeuristicClassifier{}
	}
	if stages.Extractor == nil {
		stages.Extractor = PatternExtractor{}
	}
	if stages.Explainer == nil {
		stages.Explainer = TemplateExplainer{}
	}
	o := &Orchestrator{
		svc:          svc,
		stages:       stages,
		locks:        NewMemoryRunLocker(),
		logger:       zerolog.Nop(),
		stageTimeout: DefaultStageTimeout,
		topK:         evidence.DefaultTopK,
		now:          func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

var _ report.Processor = (*Orchestrator)(nil)

// run carries the in-memory state of one pipeline execution.
type run struct {
	id     uuid.UUID
	actor  string
	level  report.PersonalizationLevel
	lang   string
	prior  *report.Report
	doc    *report.Report
	trace  report.Trace
	scores map[confidence.Stage]float64

	ocrText    string
	ocrConf    float64
	reportType report.Type
	findings   []findings.Finding
	meds       []findings.Medication
	rejected   []report.GuardrailFlag
	anxiety    string
	extracted  bool

	evidence     []evidence.Evidence
	citations    []report.Citation
	explanation  *Explanation
	guard        GuardrailResult
	personalized Personalized
	confidence   confidence.Scores
	failedStage  string
}

// Process runs every stage for a report and commits the result. A second
// call for the same report while one is active fails with a ConflictError.
func (o *Orchestrator) Process(ctx context.Context, req report.ProcessRequest) (*report.Report, error) {
	if req.Level != "" && !req.Level.Valid() {
		return nil, apperr.Validation("process", "personalization_level must be simple, standard or detailed")
	}
	release, err := o.locks.TryAcquire(ctx, req.ReportID)
	if err != nil {
		if errors.Is(err, apperr.ErrConflict) {
			o.metrics.PipelineRun(telemetry.OutcomeConflict)
		}
		return nil, err
	}
	defer release()

	ctx, span := o.metrics.Tracer().Start(ctx, "pipeline.run", trace.WithAttributes(
		attribute.String("report.id", req.ReportID.String()),
		attribute.Bool("pipeline.regenerate", req.Regenerate),
	))
	defer span.End()

	started := time.Now()
	rn, err := o.begin(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	log := o.logger.With().Str("report_id", rn.id.String()).Str("level", string(rn.level)).Str("lang", rn.lang).Logger()
	log.Info().Bool("regenerate", req.Regenerate).Str("from_status", string(rn.prior.Status)).Msg("pipeline started")
	o.publish(ctx, rn.id, EventStarted, map[string]any{
		"level":      rn.level,
		"lang":       rn.lang,
		"regenerate": req.Regenerate,
	})

	if err := o.execute(ctx, rn); err != nil {
		return nil, o.fail(ctx, span, rn, err)
	}
	out, version, err := o.commit(ctx, rn)
	if err != nil {
		rn.failedStage = StageCommit
		return nil, o.fail(ctx, span, rn, err)
	}

	outcome := telemetry.OutcomeCompleted
	if out.ExplanationWithheld {
		outcome = telemetry.OutcomeWithheld
	}
	o.metrics.PipelineRun(outcome)
	span.SetAttributes(
		attribute.String("pipeline.outcome", outcome),
		attribute.Float64("pipeline.overall_confidence", rn.confidence.Overall),
	)
	done := map[string]any{
		"status":             out.Status,
		"withheld":           out.ExplanationWithheld,
		"overall_confidence": rn.confidence.Overall,
		"quality_label":      rn.confidence.QualityLabel,
	}
	if version != nil {
		done["version"] = version.Version
	}
	o.publish(ctx, rn.id, EventCompleted, done)
	log.Info().Str("status", string(out.Status)).Bool("withheld", out.ExplanationWithheld).
		Float64("overall_confidence", rn.confidence.Overall).Int("flags", len(out.GuardrailFlags)).
		Dur("duration", time.Since(started)).Msg("pipeline completed")
	return out, nil
}

// begin moves the report to processing and snapshots what the run may need
// to restore.
func (o *Orchestrator) begin(ctx context.Context, req report.ProcessRequest) (*run, error) {
	var rn *run
	_, err := o.svc.Transact(ctx, req.ReportID, func(ctx context.Context, r *report.Report) error {
		prior := r.Clone()
		if prior.Status == report.StatusProcessing {
			// Left behind by a run that died before committing; holding the
			// run lock proves it is no longer active.
			status, err := o.resumeStatus(ctx, r)
			if err != nil {
				return err
			}
			prior.Status = status
		}
		if req.Regenerate && !prior.Status.HasExplanation() {
			return apperr.InvalidTransition("regenerate", "report has no explanation to regenerate")
		}
		if err := report.ValidateStatusTransition(prior.Status, report.StatusProcessing); err != nil {
			return err
		}

		level := req.Level
		if level == "" {
			level = r.PersonalizationLevel
		}
		if !level.Valid() {
			level = report.LevelStandard
		}
		lang := strings.TrimSpace(req.Lang)
		if lang == "" {
			lang = r.Lang
		}
		if lang == "" {
			lang = "en"
		}

		r.Status = report.StatusProcessing
		if prior.Status.HasExplanation() {
			r.ClearVerification()
		}
		rn = &run{
			id:     r.ID,
			actor:  req.Actor,
			level:  level,
			lang:   lang,
			prior:  prior,
			doc:    r.Clone(),
			trace:  report.Trace{StartedAt: o.now()},
			scores: make(map[confidence.Stage]float64, len(confidence.Stages)),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rn, nil
}

// resumeStatus infers the status a stale processing report held before its
// run died. The explanation counts as edited when the newest version is a
// doctor edit of the current text.
func (o *Orchestrator) resumeStatus(ctx context.Context, r *report.Report) (report.Status, error) {
	switch {
	case r.ExplanationText != "" && !r.ExplanationWithheld:
		versions, err := o.svc.Store().Versions.List(ctx, r.ID)
		if err != nil {
			return "", err
		}
		if n := len(versions); n > 0 {
			last := versions[n-1]
			if last.EditType == report.EditDoctor && last.Text == r.ExplanationText {
				return report.StatusEdited, nil
			}
		}
		return report.StatusExplained, nil
	case len(r.Findings) > 0 || len(r.Medications) > 0:
		return report.StatusExtracted, nil
	default:
		return report.StatusUploaded, nil
	}
}

// stageResult is what a stage body reports back to runStage.
type stageResult struct {
	key        confidence.Stage
	confidence *float64
	skipped    bool
	detail     map[string]any
}

func scored(key confidence.Stage, c float64, detail map[string]any) stageResult {
	return stageResult{key: key, confidence: &c, detail: detail}
}

// runStage wraps one stage with its timeout, span, metrics, trace entry,
// event and log line.
func (o *Orchestrator) runStage(ctx context.Context, rn *run, name string, fn func(ctx context.Context) (stageResult, error)) error {
	sctx, end := o.metrics.StartStage(ctx, rn.id.String(), name)
	sctx, cancel := context.WithTimeout(sctx, o.stageTimeout)
	defer cancel()

	start := time.Now()
	res, err := fn(sctx)
	elapsed := time.Since(start).Milliseconds()

	if err != nil {
		if apperr.KindOf(err) == "" {
			err = apperr.StageFailure(name, "stage failed", err)
		}
		timeout := apperr.IsTimeout(err)
		end(err, timeout)
		rn.failedStage = name
		rn.trace.Stages = append(rn.trace.Stages, report.TraceStage{
			Stage:      name,
			DurationMS: elapsed,
			Detail:     map[string]any{"error": err.Error(), "timeout": timeout},
		})
		o.publish(ctx, rn.id, EventStageFailed, StageEvent{
			Stage: name, DurationMS: elapsed, Error: err.Error(), Timeout: timeout,
		})
		o.logger.Warn().Err(err).Str("report_id", rn.id.String()).Str("stage", name).
			Bool("timeout", timeout).Int64("duration_ms", elapsed).Msg("pipeline stage failed")
		return err
	}

	if res.confidence != nil {
		trace.SpanFromContext(sctx).SetAttributes(attribute.Float64("stage.confidence", *res.confidence))
		if res.key != "" {
			rn.scores[res.key] = *res.confidence
		}
	}
	end(nil, false)
	rn.trace.Stages = append(rn.trace.Stages, report.TraceStage{
		Stage:      name,
		Confidence: res.confidence,
		DurationMS: elapsed,
		Skipped:    res.skipped,
		Detail:     res.detail,
	})
	o.publish(ctx, rn.id, EventStageCompleted, StageEvent{
		Stage: name, Confidence: res.confidence, DurationMS: elapsed, Skipped: res.skipped,
	})
	o.logger.Debug().Str("report_id", rn.id.String()).Str("stage", name).
		Int64("duration_ms", elapsed).Bool("skipped", res.skipped).Msg("pipeline stage completed")
	return nil
}

func (o *Orchestrator) execute(ctx context.Context, rn *run) error {
	steps := []struct {
		name string
		fn   func(ctx context.Context) (stageResult, error)
	}{
		{StageOCR, func(ctx context.Context) (stageResult, error) { return o.ocr(ctx, rn) }},
		{StageClassify, func(ctx context.Context) (stageResult, error) { return o.classify(ctx, rn) }},
		{StageExtract, func(ctx context.Context) (stageResult, error) { return o.extract(ctx, rn) }},
		{StageRetrieve, func(ctx context.Context) (stageResult, error) { return o.retrieve(ctx, rn) }},
		{StageExplain, func(ctx context.Context) (stageResult, error) { return o.explain(ctx, rn) }},
		{StageGuardrail, func(context.Context) (stageResult, error) { return o.guardrail(rn), nil }},
		{StagePersonalize, func(context.Context) (stageResult, error) { return o.personalize(rn), nil }},
	}
	for _, step := range steps {
		if err := o.runStage(ctx, rn, step.name, step.fn); err != nil {
			return err
		}
	}

	scores := confidence.Aggregate(rn.scores)
	ev := make([]confidence.Evidence, 0, len(rn.evidence))
	for _, e := range rn.evidence {
		ev = append(ev, confidence.Evidence{Content: e.Content, Relevance: e.Relevance})
	}
	scores.PerFinding = confidence.PerFinding(rn.ocrConf, rn.findings, ev)
	TagCertainty(rn.personalized.Sections, scores)
	rn.confidence = scores
	return nil
}

func (o *Orchestrator) ocr(ctx context.Context, rn *run) (stageResult, error) {
	data, meta, err := o.svc.Document(ctx, rn.doc)
	if err != nil {
		return stageResult{}, apperr.StageFailure(StageOCR, "load document", err)
	}
	contentType := rn.doc.ContentType
	if meta != nil && meta.ContentType != "" {
		contentType = meta.ContentType
	}
	text, conf, err := o.stages.OCR.Read(ctx, Document{Data: data, ContentType: contentType, FileName: rn.doc.FileName})
	if err != nil {
		return stageResult{}, err
	}
	rn.ocrText, rn.ocrConf = text, conf
	return scored(confidence.StageOCR, conf, map[string]any{
		"content_type": contentType,
		"text_length":  len(text),
	}), nil
}

func (o *Orchestrator) classify(ctx context.Context, rn *run) (stageResult, error) {
	t, err := o.stages.Classifier.Classify(ctx, rn.ocrText)
	if err != nil {
		return stageResult{}, err
	}
	if !t.Valid() {
		t = report.TypeLabReport
	}
	rn.reportType = t
	return stageResult{detail: map[string]any{"type": t}}, nil
}

func (o *Orchestrator) extract(ctx context.Context, rn *run) (stageResult, error) {
	ex, err := o.stages.Extractor.Extract(ctx, rn.ocrText, rn.reportType)
	if err != nil {
		return stageResult{}, err
	}
	var conf float64
	var rejected []error
	items := 0
	if rn.reportType == report.TypePrescription {
		rn.meds, rejected = findings.NormalizeMedications(ex.Medications)
		if len(rn.meds) == 0 {
			return stageResult{}, apperr.StageFailure(StageExtract, "no medications could be extracted", nil)
		}
		conf = findings.GenericMatchConfidence
		if ex.Source == SourceLLM {
			conf = findings.CatalogMatchConfidence
		}
		items = len(rn.meds)
	} else {
		rn.findings, rejected = findings.NormalizeAll(ex.Findings)
		if len(rn.findings) == 0 {
			return stageResult{}, apperr.StageFailure(StageExtract, "no findings could be extracted", nil)
		}
		vs := make([]float64, 0, len(rn.findings))
		for _, f := range rn.findings {
			vs = append(vs, f.Confidence)
		}
		conf = confidence.Mean(vs, 0.5)
		items = len(rn.findings)
	}
	rn.rejected = RejectedRowFlags(rejected)
	rn.anxiety = findings.AnxietyLevel(rn.findings)
	rn.extracted = true
	return scored(confidence.StageExtract, conf, map[string]any{
		"type":     rn.reportType,
		"source":   ex.Source,
		"items":    items,
		"rejected": len(rejected),
	}), nil
}

func (o *Orchestrator) retrieve(ctx context.Context, rn *run) (stageResult, error) {
	var abnormal []findings.Finding
	for _, f := range rn.findings {
		if f.Status.Abnormal() {
			abnormal = append(abnormal, f)
		}
	}
	if len(abnormal) == 0 || o.stages.Retriever == nil {
		return stageResult{skipped: true, detail: map[string]any{"abnormal": len(abnormal)}}, nil
	}
	ev, err := o.stages.Retriever.Retrieve(ctx, abnormal, o.topK)
	if err != nil {
		return stageResult{}, apperr.StageFailure(StageRetrieve, "evidence retrieval failed", err)
	}
	rn.evidence = ev
	rn.citations = CitationsFromEvidence(ev)
	rel := make([]float64, 0, len(ev))
	for _, e := range ev {
		rel = append(rel, e.Relevance)
	}
	avg := confidence.Mean(rel, 0.5)
	return scored(confidence.StageRetrieve, avg, map[string]any{
		"abnormal": len(abnormal),
		"evidence": len(ev),
	}), nil
}

// CitationsFromEvidence numbers passages 1..N in ranked order.
func CitationsFromEvidence(ev []evidence.Evidence) []report.Citation {
	out := make([]report.Citation, 0, len(ev))
	for i, e := range ev {
		out = append(out, report.Citation{
			ID:        i + 1,
			Source:    e.Source,
			Text:      e.Content,
			Category:  e.Category,
			Relevance: e.Relevance,
		})
	}
	return out
}

func (o *Orchestrator) explain(ctx context.Context, rn *run) (stageResult, error) {
	exp, err := o.stages.Explainer.Explain(ctx, ExplainInput{
		Type:         rn.reportType,
		Findings:     rn.findings,
		Medications:  rn.meds,
		Evidence:     rn.evidence,
		Citations:    rn.citations,
		OCRText:      rn.ocrText,
		Level:        rn.level,
		Lang:         rn.lang,
		AnxietyLevel: rn.anxiety,
	})
	if err != nil {
		return stageResult{}, err
	}
	if exp == nil {
		return stageResult{}, apperr.StageFailure(StageExplain, "explainer returned nothing", nil)
	}
	rn.explanation = exp
	return scored(confidence.StageExplain, exp.Confidence, map[string]any{
		"model":    exp.Model,
		"sections": len(exp.Sections),
	}), nil
}

func (o *Orchestrator) guardrail(rn *run) stageResult {
	rn.guard = CheckGuardrails(rn.explanation, rn.citations, rn.rejected)
	return scored(confidence.StageGuardrail, rn.guard.Confidence, map[string]any{
		"flags":          len(rn.guard.Flags),
		"passed":         rn.guard.Passed(),
		"hard_violation": report.HardViolation(rn.guard.Flags),
	})
}

func (o *Orchestrator) personalize(rn *run) stageResult {
	rn.personalized = Personalize(rn.explanation, rn.level)
	return scored(confidence.StagePersonalize, PersonalizeConfidence, map[string]any{
		"level": rn.level,
		"tone":  rn.personalized.Tone,
	})
}

func applyExtraction(r *report.Report, rn *run) {
	r.OCRText = rn.ocrText
	r.ReportType = rn.reportType
	r.Findings = rn.findings
	r.Medications = rn.meds
	r.AnxietyLevel = rn.anxiety
}

// commit writes the whole run in one transaction. A hard safety violation
// stops at extracted with the explanation withheld and no version.
func (o *Orchestrator) commit(ctx context.Context, rn *run) (*report.Report, *report.ExplanationVersion, error) {
	var version *report.ExplanationVersion
	out, err := o.svc.Transact(ctx, rn.id, func(ctx context.Context, r *report.Report) error {
		if r.Status != report.StatusProcessing {
			return apperr.Conflict("process", "report changed during the run")
		}
		hard := report.HardViolation(rn.guard.Flags)
		next := report.StatusExplained
		if hard {
			next = report.StatusExtracted
		}
		if err := report.ValidateStatusTransition(r.Status, next); err != nil {
			return err
		}

		applyExtraction(r, rn)
		r.Sections = rn.personalized.Sections
		r.Citations = rn.citations
		r.GuardrailFlags = rn.guard.Flags
		scores := rn.confidence
		r.ConfidenceScores = &scores
		r.PersonalizationLevel = rn.level
		r.Lang = rn.lang
		r.ClearVerification()
		completed := o.now()
		rn.trace.CompletedAt = &completed
		tr := rn.trace
		r.ReasoningTrace = &tr
		r.Status = next

		details := map[string]any{
			"confidence":  rn.confidence.Overall,
			"findings":    len(rn.findings),
			"medications": len(rn.meds),
			"withheld":    hard,
		}
		if hard {
			r.ExplanationText = ""
			r.ExplanationWithheld = true
		} else {
			count, err := o.svc.Store().Versions.Count(ctx, r.ID)
			if err != nil {
				return err
			}
			editType := report.EditRegenerated
			if count == 0 {
				editType = report.EditOriginal
			}
			v, err := o.svc.Store().Versions.Append(ctx, r.ID, rn.personalized.Text, editType, rn.actor)
			if err != nil {
				return err
			}
			version = v
			details["version"] = v.Version
			r.ExplanationText = rn.personalized.Text
			r.ExplanationWithheld = false
		}
		return o.svc.RecordAudit(ctx, r.ID, report.ActionPipelineComplete, rn.actor, details)
	})
	if err != nil {
		return nil, nil, err
	}
	return out, version, nil
}

// fail restores the report after a failed run and returns cause. Content
// from an earlier successful run is kept; a first run that got through
// extraction keeps its findings at extracted.
func (o *Orchestrator) fail(ctx context.Context, span trace.Span, rn *run, cause error) error {
	span.RecordError(cause)
	span.SetStatus(codes.Error, cause.Error())
	o.metrics.PipelineRun(telemetry.OutcomeFailed)

	completed := o.now()
	rn.trace.CompletedAt = &completed
	rn.trace.Error = cause.Error()

	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), failureWriteTimeout)
	defer cancel()
	restored := rn.prior.Status
	_, err := o.svc.Transact(wctx, rn.id, func(ctx context.Context, r *report.Report) error {
		switch {
		case rn.prior.Status.HasExplanation():
			r.Status = rn.prior.Status
			r.VerificationStatus = rn.prior.VerificationStatus
			r.VerifiedAt = rn.prior.VerifiedAt
			r.VerifiedBy = rn.prior.VerifiedBy
		case rn.prior.Status == report.StatusUploaded && rn.extracted:
			applyExtraction(r, rn)
			r.Status = report.StatusExtracted
		default:
			r.Status = rn.prior.Status
		}
		restored = r.Status
		tr := rn.trace
		r.ReasoningTrace = &tr
		return o.svc.RecordAudit(ctx, r.ID, report.ActionPipelineError, rn.actor, map[string]any{
			"error": cause.Error(),
			"stage": rn.failedStage,
		})
	})
	if err != nil {
		o.logger.Error().Err(err).Str("report_id", rn.id.String()).Msg("restore report after failed run")
	}
	o.publish(wctx, rn.id, EventFailed, map[string]any{
		"stage":   rn.failedStage,
		"error":   cause.Error(),
		"timeout": apperr.IsTimeout(cause),
		"status":  restored,
	})
	o.logger.Error().Err(cause).Str("report_id", rn.id.String()).Str("stage", rn.failedStage).
		Str("status", string(restored)).Msg("pipeline failed")
	return cause
}
