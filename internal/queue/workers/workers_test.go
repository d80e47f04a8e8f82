package workers

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/dunner/internal/models"
	"github.com/ternarybob/dunner/internal/queue"
)

type stubRetrieval struct {
	results []models.RetrievalResult // Returned in order, the last one repeats
	calls   atomic.Int32
}

func (r *stubRetrieval) Submit(ctx context.Context, task *models.RetrievalTask) models.RetrievalResult {
	n := int(r.calls.Add(1)) - 1
	if n >= len(r.results) {
		n = len(r.results) - 1
	}
	return r.results[n]
}

func (r *stubRetrieval) Shutdown(ctx context.Context) error { return nil }

type stubMessaging struct {
	notReady    bool
	unreachable bool
	sendErr     error
	sent        atomic.Int32
}

func (m *stubMessaging) Initialize(ctx context.Context, tenantID string) (models.InitResult, error) {
	return models.InitResult{Ready: !m.notReady}, nil
}

func (m *stubMessaging) AwaitReady(ctx context.Context, tenantID string) error { return nil }

func (m *stubMessaging) IsRecipientReachable(ctx context.Context, phone, tenantID string) (bool, error) {
	if m.notReady {
		return false, models.ErrSessionNotReady
	}
	return !m.unreachable, nil
}

func (m *stubMessaging) Send(ctx context.Context, phone, caption, artifactPath, tenantID string) error {
	if m.sendErr != nil {
		return m.sendErr
	}
	m.sent.Add(1)
	return nil
}

func (m *stubMessaging) IsSessionActive(tenantID string) bool { return !m.notReady }

func (m *stubMessaging) SessionState(tenantID string) models.AuthState { return models.AuthReady }

func (m *stubMessaging) PairingChallenge(tenantID string) (string, bool) { return "", false }

func (m *stubMessaging) Logout(ctx context.Context, tenantID string) error { return nil }

func (m *stubMessaging) RestoreAll(ctx context.Context) error { return nil }

func (m *stubMessaging) Close() {}

type retrievalReport struct {
	result         models.RetrievalResult
	deliveryQueued bool
}

type deliveryReport struct {
	job   models.DeliveryJob
	phone string
	err   error
}

type recordingObserver struct {
	mu         sync.Mutex
	retrievals []retrievalReport
	deliveries []deliveryReport
}

func (o *recordingObserver) RetrievalFinished(payload models.RetrievalJobPayload, result models.RetrievalResult, deliveryQueued bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.retrievals = append(o.retrievals, retrievalReport{result, deliveryQueued})
}

func (o *recordingObserver) DeliveryFinished(job models.DeliveryJob, phone string, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.deliveries = append(o.deliveries, deliveryReport{job, phone, err})
}

func (o *recordingObserver) retrievalReports() []retrievalReport {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]retrievalReport(nil), o.retrievals...)
}

func (o *recordingObserver) deliveryReports() []deliveryReport {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]deliveryReport(nil), o.deliveries...)
}

var testClient = models.ClientRecord{
	ClientRef:       "1001",
	PhoneCandidates: []string{"3515550101", "3515550111"},
	DisplayName:     "Ana Ruiz",
}

func retrievalPayload() models.RetrievalJobPayload {
	return models.RetrievalJobPayload{
		BatchID:  "batch-1",
		TenantID: "tenant-a",
		Client:   testClient,
		Caption:  "Hola Ana Ruiz",
	}
}

func newMessage(t *testing.T, payload interface{}) *models.QueueMessage {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	return &models.QueueMessage{ID: "job-1", Payload: data}
}

func TestRetrievalWorkerEnqueuesDelivery(t *testing.T) {
	mgr := newTestQueue(t, fastConfig())
	observer := &recordingObserver{}
	retrieval := &stubRetrieval{results: []models.RetrievalResult{models.DocumentResult("1001", "/downloads/batch-1/1001.pdf")}}
	worker := NewRetrievalWorker(retrieval, mgr, observer, arbor.NewLogger())

	require.NoError(t, worker.Execute(context.Background(), newMessage(t, retrievalPayload())))

	msg, err := mgr.Receive(context.Background(), models.QueueDelivery)
	require.NoError(t, err)
	assert.Equal(t, models.JobTypeDeliver, msg.Type)

	var job models.DeliveryJob
	require.NoError(t, json.Unmarshal(msg.Payload, &job))
	assert.Equal(t, "batch-1", job.BatchID)
	assert.Equal(t, "tenant-a", job.TenantID)
	assert.Equal(t, "3515550101", job.PhoneNumber)
	assert.Equal(t, testClient.PhoneCandidates, job.PhoneCandidates)
	assert.Equal(t, "/downloads/batch-1/1001.pdf", job.DocumentPath)
	assert.Equal(t, "Hola Ana Ruiz", job.Caption)

	reports := observer.retrievalReports()
	require.Len(t, reports, 1)
	assert.True(t, reports[0].deliveryQueued)
	assert.Equal(t, models.OutcomeDocument, reports[0].result.Outcome)
}

func TestRetrievalWorkerNoDebt(t *testing.T) {
	mgr := newTestQueue(t, fastConfig())
	observer := &recordingObserver{}
	retrieval := &stubRetrieval{results: []models.RetrievalResult{models.NoDebtResult("1001")}}
	worker := NewRetrievalWorker(retrieval, mgr, observer, arbor.NewLogger())

	require.NoError(t, worker.Execute(context.Background(), newMessage(t, retrievalPayload())))

	_, err := mgr.Receive(context.Background(), models.QueueDelivery)
	assert.ErrorIs(t, err, queue.ErrNoMessage)

	reports := observer.retrievalReports()
	require.Len(t, reports, 1)
	assert.False(t, reports[0].deliveryQueued)
	assert.Equal(t, models.OutcomeNoDebt, reports[0].result.Outcome)
}

func TestRetrievalWorkerErrorIsRetried(t *testing.T) {
	mgr := newTestQueue(t, fastConfig())
	observer := &recordingObserver{}
	retrieval := &stubRetrieval{results: []models.RetrievalResult{
		models.ErrorResult("1001", models.ErrNavigation),
		models.NoDebtResult("1001"),
	}}

	_, err := mgr.Enqueue(context.Background(), models.QueueRetrieval, models.JobTypeRetrieve, retrievalPayload(), models.EnqueueOptions{})
	require.NoError(t, err)

	jp := NewJobProcessor(mgr, models.QueueRetrieval, arbor.NewLogger(), 1)
	jp.SetMaxIdleBackoff(minBackoff)
	jp.RegisterExecutor(NewRetrievalWorker(retrieval, mgr, observer, arbor.NewLogger()))
	jp.Start()
	t.Cleanup(jp.Stop)

	require.Eventually(t, func() bool { return len(observer.retrievalReports()) == 1 }, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(2), retrieval.calls.Load())
	assert.Equal(t, models.OutcomeNoDebt, observer.retrievalReports()[0].result.Outcome)
}

func TestRetrievalWorkerReportsFinalError(t *testing.T) {
	observer := &recordingObserver{}
	worker := NewRetrievalWorker(&stubRetrieval{}, nil, observer, arbor.NewLogger())

	worker.OnFailed(context.Background(), newMessage(t, retrievalPayload()), errors.New("portal navigation failed"))

	reports := observer.retrievalReports()
	require.Len(t, reports, 1)
	assert.Equal(t, models.OutcomeError, reports[0].result.Outcome)
	assert.Equal(t, "1001", reports[0].result.ClientRef)
	assert.Equal(t, "portal navigation failed", reports[0].result.Reason)
}

func TestRetrievalWorkerRejectsBadPayload(t *testing.T) {
	worker := NewRetrievalWorker(&stubRetrieval{}, nil, nil, arbor.NewLogger())
	err := worker.Execute(context.Background(), &models.QueueMessage{ID: "job-1", Payload: []byte("{")})
	assert.True(t, queue.IsPermanent(err))
}

func deliveryJob(t *testing.T) models.DeliveryJob {
	t.Helper()
	path := filepath.Join(t.TempDir(), "1001.pdf")
	require.NoError(t, os.WriteFile(path, []byte("%PDF-1.4"), 0644))
	return models.DeliveryJob{
		BatchID:         "batch-1",
		TenantID:        "tenant-a",
		PhoneNumber:     "3515550101",
		PhoneCandidates: []string{"3515550111"},
		ClientRef:       "1001",
		ClientName:      "Ana Ruiz",
		DocumentPath:    path,
		Caption:         "Hola Ana Ruiz",
	}
}

func TestDeliveryWorkerSendsAndRemovesDocument(t *testing.T) {
	observer := &recordingObserver{}
	messagingStub := &stubMessaging{}
	worker := NewDeliveryWorker(messagingStub, observer, arbor.NewLogger())
	job := deliveryJob(t)

	require.NoError(t, worker.Execute(context.Background(), newMessage(t, job)))

	assert.Equal(t, int32(1), messagingStub.sent.Load())
	assert.NoFileExists(t, job.DocumentPath)

	reports := observer.deliveryReports()
	require.Len(t, reports, 1)
	assert.NoError(t, reports[0].err)
	assert.Equal(t, "3515550101", reports[0].phone)
}

func TestDeliveryWorkerErrorClassification(t *testing.T) {
	tests := []struct {
		name       string
		messaging  *stubMessaging
		permanent  bool
		deferrable bool
	}{
		{"session not ready defers", &stubMessaging{notReady: true}, false, true},
		{"unreachable recipient fails", &stubMessaging{unreachable: true}, true, false},
		{"upload error retries", &stubMessaging{sendErr: errors.New("upload timed out")}, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			worker := NewDeliveryWorker(tt.messaging, nil, arbor.NewLogger())
			job := deliveryJob(t)

			err := worker.Execute(context.Background(), newMessage(t, job))
			require.Error(t, err)
			assert.Equal(t, tt.permanent, queue.IsPermanent(err))
			assert.Equal(t, tt.deferrable, queue.IsDeferrable(err))
			assert.FileExists(t, job.DocumentPath)
		})
	}
}

func TestDeliveryWorkerMissingDocument(t *testing.T) {
	worker := NewDeliveryWorker(&stubMessaging{}, nil, arbor.NewLogger())
	job := deliveryJob(t)
	require.NoError(t, os.Remove(job.DocumentPath))

	err := worker.Execute(context.Background(), newMessage(t, job))
	assert.True(t, queue.IsPermanent(err))
}

func TestDeliveryWorkerReportsFailure(t *testing.T) {
	observer := &recordingObserver{}
	worker := NewDeliveryWorker(&stubMessaging{}, observer, arbor.NewLogger())
	job := deliveryJob(t)

	worker.OnFailed(context.Background(), newMessage(t, job), models.ErrRecipientUnreachable)

	reports := observer.deliveryReports()
	require.Len(t, reports, 1)
	assert.ErrorIs(t, reports[0].err, models.ErrRecipientUnreachable)
	assert.Equal(t, "1001", reports[0].job.ClientRef)
}
