package transcription

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/adhocore/gronx"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/mbkchat/convhub/internal/crmclient"
	"github.com/mbkchat/convhub/internal/dealsync"
	"github.com/mbkchat/convhub/internal/eventmutex"
	"github.com/mbkchat/convhub/internal/telemetry"
)

var tracer = telemetry.Tracer("convhub/transcription")

const (
	dispatchTick   = 1 * time.Second
	dispatchWeight = 3
)

// dispatchBatch is twice the worker pool's weight, so the dispatcher
// always has a second wave of claimed ids ready as soon as the first
// finishes, without over-claiming far past what dispatchWeight can run
// concurrently.
const dispatchBatch = 2 * dispatchWeight

// Transcriber converts the audio reachable at url to text. Shares its
// method shape with internal/inbound.Transcriber by convention, not by
// import — the queue and the inbound pipeline enrich independently.
type Transcriber interface {
	TranscribeURL(ctx context.Context, url string) (string, error)
}

// CRMResolver maps a portal domain to the CRM client for it, mirroring
// dealsync.CRMResolver — the worker talks to whichever portal owns a job's
// deal.
type CRMResolver interface {
	Client(portal string) (*crmclient.Client, bool)
}

// Dispatcher runs the durable transcription queue: a 1-second tick claims
// up to dispatchBatch due jobs and hands each to a bounded pool of at
// most dispatchWeight concurrent workers.
type Dispatcher struct {
	jobs    *JobStore
	calls   *ProcessedCallStore
	deals   *dealsync.DealStore
	crm     CRMResolver
	events  *eventmutex.Store
	transcr Transcriber
	log     *slog.Logger
	sem     *semaphore.Weighted

	onTransition func(jobID int, status string, attempt int)
}

// OnTransition registers a callback invoked whenever a job crosses a status
// boundary (running/retry/done), used by the composition root to fan
// transitions out to the optional ops debug stream. A nil or unset
// callback is simply skipped.
func (d *Dispatcher) OnTransition(fn func(jobID int, status string, attempt int)) {
	d.onTransition = fn
}

func (d *Dispatcher) notify(jobID int, status string, attempt int) {
	if d.onTransition != nil {
		d.onTransition(jobID, status, attempt)
	}
}

func NewDispatcher(jobs *JobStore, calls *ProcessedCallStore, deals *dealsync.DealStore, crm CRMResolver, events *eventmutex.Store, transcr Transcriber, log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{
		jobs: jobs, calls: calls, deals: deals, crm: crm, events: events, transcr: transcr, log: log,
		sem: semaphore.NewWeighted(dispatchWeight),
	}
}

// Run blocks, ticking every dispatchTick until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(dispatchTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.dispatchOnce(ctx)
		}
	}
}

// RunHealthCheck ticks every interval, logging the current active-job
// queue depth. healthCron is a human-readable cron-expression description
// of the intended cadence — it is validated once with gronx.IsValid up
// front and never used to drive the ticker itself, which stays a plain
// time.Ticker. An invalid cron description is logged and the heartbeat
// still runs on interval.
func (d *Dispatcher) RunHealthCheck(ctx context.Context, interval time.Duration, healthCron string) {
	if healthCron != "" && !gronx.IsValid(healthCron) {
		d.log.Warn("transcription.health_check.invalid_cron_description", "cron", healthCron)
	}
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			active, err := d.jobs.CountActive(ctx)
			if err != nil {
				d.log.Error("transcription.health_check", "error", err)
				continue
			}
			d.log.Info("transcription.health_check", "active_jobs", active, "cron", healthCron)
		}
	}
}

func (d *Dispatcher) dispatchOnce(ctx context.Context) {
	ids, err := d.jobs.PickPending(ctx, dispatchBatch)
	if err != nil {
		d.log.Error("transcription.dispatch.pick_pending", "error", err)
		return
	}
	for _, id := range ids {
		if err := d.sem.Acquire(ctx, 1); err != nil {
			return
		}
		go func(jobID int) {
			defer d.sem.Release(1)
			d.runJob(ctx, jobID)
		}(id)
	}
}

func (d *Dispatcher) runJob(ctx context.Context, jobID int) {
	ctx, span := tracer.Start(ctx, "transcription.handle_job", trace.WithAttributes(
		attribute.Int("job.id", jobID),
	))
	defer span.End()

	job, ok, err := d.jobs.Claim(ctx, jobID)
	if err != nil {
		d.log.Error("transcription.claim", "job_id", jobID, "error", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return
	}
	if !ok {
		return
	}
	span.SetAttributes(attribute.String("crm.portal", job.Portal), attribute.Int("crm.deal_id", job.DealBxID))
	d.notify(jobID, "running", job.Attempt)

	runErr := d.TranscribeCallsForDeal(ctx, job.Portal, job.DealBxID)
	if runErr != nil {
		d.log.Error("transcription.run", "job_id", jobID, "portal", job.Portal, "deal", job.DealBxID, "error", runErr)
		span.RecordError(runErr)
		span.SetStatus(codes.Error, runErr.Error())
		if err := d.jobs.MarkRetry(ctx, jobID, job.Attempt, runErr); err != nil {
			d.log.Error("transcription.mark_retry", "job_id", jobID, "error", err)
		}
		d.notify(jobID, "retry", job.Attempt)
		return
	}
	if err := d.jobs.MarkDone(ctx, jobID); err != nil {
		d.log.Error("transcription.mark_done", "job_id", jobID, "error", err)
	}
	d.notify(jobID, "done", job.Attempt)
}

// crmActivity is the subset of a crm.activity.list row this worker
// needs.
type crmActivity struct {
	ID         string `json:"ID"`
	Subject    string `json:"SUBJECT"`
	Direction  string `json:"DIRECTION"`
	StartTime  string `json:"START_TIME"`
	EndTime    string `json:"END_TIME"`
	Completed  string `json:"COMPLETED"`
	ProviderID string `json:"PROVIDER_ID"`
	Settings   struct {
		MissedCall bool `json:"MISSED_CALL"`
	} `json:"SETTINGS"`
	StorageElementIDs []string `json:"STORAGE_ELEMENT_IDS"`
}

// TranscribeCallsForDeal runs the full transcribe-and-post cycle for one
// deal under the ":CALLS" event-mutex suffix: fetch calls since the last
// transcribed one, transcribe any not already processed, post a timeline
// comment per newly-transcribed call, and monotonically bump
// last_transcribed_call.
func (d *Dispatcher) TranscribeCallsForDeal(ctx context.Context, portal string, bxDealID int) error {
	eventCode := fmt.Sprintf("%s:%d:CALLS", portal, bxDealID)
	ran, err := d.events.WithLock(ctx, eventCode, func(ctx context.Context) error {
		return d.transcribeCallsForDealLocked(ctx, portal, bxDealID)
	})
	if err != nil {
		return err
	}
	if !ran {
		d.log.Info("transcription.deal_locked_elsewhere", "portal", portal, "deal", bxDealID)
	}
	return nil
}

func (d *Dispatcher) transcribeCallsForDealLocked(ctx context.Context, portal string, bxDealID int) error {
	client, ok := d.crm.Client(portal)
	if !ok {
		return fmt.Errorf("transcription: no CRM client configured for portal %q", portal)
	}

	deal, found, err := d.deals.GetDeal(ctx, portal, bxDealID)
	if err != nil {
		return fmt.Errorf("load deal: %w", err)
	}
	var since *time.Time
	if found {
		since = deal.LastTranscribedCall
	}

	calls, err := d.fetchCallsSince(ctx, client, bxDealID, since)
	if err != nil {
		return fmt.Errorf("fetch calls: %w", err)
	}
	if len(calls) == 0 {
		return nil
	}

	var maxStart time.Time
	var callErr error
	for _, call := range calls {
		if err := d.handleOneCall(ctx, client, portal, bxDealID, call); err != nil {
			// Stop at the first failure: bumping the cursor past an
			// unprocessed call would orphan it. The error reaches runJob,
			// which reschedules the job; the retry re-fetches from the
			// last successfully processed call.
			callErr = fmt.Errorf("handle call %s: %w", call.ID, err)
			break
		}
		if call.Start.After(maxStart) {
			maxStart = call.Start
		}
		if call.End != nil && call.End.After(maxStart) {
			maxStart = *call.End
		}
	}
	if !maxStart.IsZero() {
		if err := d.bumpLastTranscribed(ctx, portal, bxDealID, maxStart); err != nil {
			return err
		}
	}
	return callErr
}

// handleOneCall reuses a cached ProcessedCall if one already carries a
// transcription, otherwise downloads the recording and transcribes it, then
// posts the summary to the deal timeline if not already sent.
func (d *Dispatcher) handleOneCall(ctx context.Context, client *crmclient.Client, portal string, bxDealID int, call callInfo) error {
	existing, found, err := d.calls.Get(ctx, portal, call.ID)
	if err != nil {
		return err
	}

	transcript := ""
	if found && existing.Transcription != "" {
		transcript = existing.Transcription
	} else if call.FileID != "" {
		transcript, err = d.transcribeCallRecording(ctx, client, call.FileID)
		if err != nil {
			// No ProcessedCall row for a failed download/STT attempt —
			// the job-level retry revisits this call from a clean slate.
			return fmt.Errorf("transcribe call %s: %w", call.ID, err)
		}
		if err := d.calls.Upsert(ctx, ProcessedCall{Portal: portal, DealBxID: bxDealID, CallID: call.ID, Transcription: transcript}); err != nil {
			return err
		}
	}

	if found && existing.SentToBx {
		return nil
	}
	summary := buildCallSummary(call, transcript)
	if _, err := client.Call(ctx, "crm.timeline.comment.add", map[string]any{
		"fields": map[string]any{
			"ENTITY_ID":   bxDealID,
			"ENTITY_TYPE": "deal",
			"COMMENT":     summary,
		},
	}); err != nil {
		return fmt.Errorf("post timeline comment for call %s: %w", call.ID, err)
	}
	return d.calls.MarkSent(ctx, portal, call.ID)
}

// transcribeCallRecording resolves the disk file's download URL and hands
// it to the STT backend.
func (d *Dispatcher) transcribeCallRecording(ctx context.Context, client *crmclient.Client, fileID string) (string, error) {
	raw, err := client.Call(ctx, "disk.file.get", map[string]any{"id": fileID})
	if err != nil {
		return "", fmt.Errorf("disk.file.get: %w", err)
	}
	// Call already unwraps the REST envelope: raw is the file object itself.
	var file struct {
		DownloadURL string `json:"DOWNLOAD_URL"`
	}
	if err := json.Unmarshal(raw, &file); err != nil {
		return "", fmt.Errorf("decode disk.file.get: %w", err)
	}
	if file.DownloadURL == "" {
		return "", errors.New("disk.file.get returned no DOWNLOAD_URL")
	}
	if d.transcr == nil {
		return "", errors.New("no transcriber configured")
	}
	return d.transcr.TranscribeURL(ctx, file.DownloadURL)
}

// fetchCallsSince loads crm.activity.list rows for bxDealID's calls,
// filtered when given to calls starting more than one second after
// sinceExclusive, ordered ascending by start time.
func (d *Dispatcher) fetchCallsSince(ctx context.Context, client *crmclient.Client, bxDealID int, sinceExclusive *time.Time) ([]callInfo, error) {
	filter := map[string]any{
		"OWNER_TYPE_ID":    2,
		"OWNER_ID":         bxDealID,
		"PROVIDER_TYPE_ID": "CALL",
	}
	if sinceExclusive != nil {
		filter[">START_TIME"] = sinceExclusive.Add(time.Second).Format(time.RFC3339)
	}

	raws, err := client.CallList(ctx, "crm.activity.list", crmclient.ListParams{
		Filter: filter,
		Select: []string{"ID", "SUBJECT", "DIRECTION", "START_TIME", "END_TIME", "COMPLETED", "PROVIDER_ID", "SETTINGS", "STORAGE_ELEMENT_IDS"},
		Order:  map[string]any{"START_TIME": "ASC"},
	})
	if err != nil {
		return nil, err
	}

	calls := make([]callInfo, 0, len(raws))
	for _, raw := range raws {
		var a crmActivity
		if err := json.Unmarshal(raw, &a); err != nil {
			d.log.Warn("transcription.decode_activity", "error", err)
			continue
		}
		start, _ := parseCRMTime(a.StartTime)
		var end *time.Time
		if t, ok := parseCRMTime(a.EndTime); ok {
			end = &t
		}
		fileID := ""
		if len(a.StorageElementIDs) > 0 {
			fileID = a.StorageElementIDs[0]
		}
		status := callStatusOf(a.Settings.MissedCall, end, start, a.Completed, a.Completed == "Y")
		calls = append(calls, callInfo{
			ID:        a.ID,
			Subject:   a.Subject,
			Direction: a.Direction,
			Start:     start,
			End:       end,
			Status:    status,
			FileID:    fileID,
		})
	}
	return calls, nil
}

func (d *Dispatcher) bumpLastTranscribed(ctx context.Context, portal string, bxDealID int, t time.Time) error {
	return d.deals.SaveMaxLastTranscribedCall(ctx, portal, bxDealID, t)
}

func parseCRMTime(v string) (time.Time, bool) {
	if v == "" {
		return time.Time{}, false
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05-0700", "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, v); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
