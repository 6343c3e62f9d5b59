package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"guestpost-automation/internal/models"
	"guestpost-automation/internal/pipeline"
	"guestpost-automation/internal/store"
)

type memStore struct {
	jobs      map[uuid.UUID]models.Job
	mutations []store.JobMutation
}

func newMemStore(jobs ...models.Job) *memStore {
	m := &memStore{jobs: map[uuid.UUID]models.Job{}}
	for _, j := range jobs {
		m.jobs[j.ID] = j
	}
	return m
}

func (m *memStore) MutateJob(_ context.Context, id uuid.UUID, fn func(*models.Job) (store.JobMutation, error)) (models.Job, error) {
	job, ok := m.jobs[id]
	if !ok {
		return models.Job{}, store.ErrNotFound
	}
	before := job
	mut, err := fn(&job)
	if err != nil {
		return models.Job{}, err
	}
	if job.AttemptCount < before.AttemptCount {
		return models.Job{}, fmt.Errorf("attempt count decreased")
	}
	m.jobs[id] = job
	m.mutations = append(m.mutations, mut)
	return job, nil
}

func processingJob(attempt int) models.Job {
	return models.Job{ID: uuid.New(), Status: models.StatusProcessing, AttemptCount: attempt, MaxAttempts: 3}
}

func newMachine(st Mutator) *Machine {
	m := New(st, 3, zap.NewNop())
	m.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	return m
}

func TestDecide(t *testing.T) {
	transient := &pipeline.StageError{Stage: pipeline.StageConvert, Err: errors.New("timeout")}
	permanent := &pipeline.StageError{Stage: pipeline.StageGenerateImage, Err: pipeline.ErrNotConfigured}

	cases := []struct {
		name    string
		attempt int
		cause   error
		want    Decision
	}{
		{"success", 1, nil, Decision{Status: models.StatusSucceeded}},
		{"transient with budget", 1, transient, Decision{Status: models.StatusRetrying, WillRetry: true, Retryable: true}},
		{"transient at budget", 3, transient, Decision{Status: models.StatusFailed, Retryable: true}},
		{"permanent on first attempt", 1, permanent, Decision{Status: models.StatusFailed}},
		{"panic-like plain error", 2, errors.New("boom"), Decision{Status: models.StatusRetrying, WillRetry: true, Retryable: true}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Decide(models.Job{AttemptCount: tc.attempt}, tc.cause, 3))
		})
	}
}

func TestSucceed(t *testing.T) {
	job := processingJob(1)
	msg := "old"
	job.LastError = &msg
	st := newMemStore(job)

	got, err := newMachine(st).Succeed(context.Background(), job.ID, pipeline.Result{PostID: 77, PostURL: "https://blog.example.com/p"})
	require.NoError(t, err)
	assert.Equal(t, models.StatusSucceeded, got.Status)
	assert.Nil(t, got.LastError)
	require.NotNil(t, got.WPPostID)
	assert.Equal(t, int64(77), *got.WPPostID)

	_, err = newMachine(st).Succeed(context.Background(), job.ID, pipeline.Result{})
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestFailRetriesThenExhausts(t *testing.T) {
	job := processingJob(1)
	st := newMemStore(job)
	m := newMachine(st)
	cause := &pipeline.StageError{Stage: pipeline.StageConvert, Err: errors.New("converter down")}

	got, decision, err := m.Fail(context.Background(), job.ID, cause)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRetrying, got.Status)
	assert.True(t, decision.WillRetry)
	require.NotNil(t, got.LastError)
	assert.Contains(t, *got.LastError, "converter down")

	ev := st.mutations[0].Event
	require.NotNil(t, ev)
	assert.Equal(t, models.EventFailed, ev.Type)
	assert.Equal(t, true, ev.Payload["will_retry"])
	assert.Equal(t, 1, ev.Payload["attempt"])
	assert.Equal(t, 3, ev.Payload["max_attempts"])
	assert.Equal(t, "convert", ev.Payload["stage"])

	// Re-claim twice more; the third failure is terminal.
	for attempt := 2; attempt <= 3; attempt++ {
		j := st.jobs[job.ID]
		j.Status = models.StatusProcessing
		j.AttemptCount = attempt
		st.jobs[job.ID] = j
		got, decision, err = m.Fail(context.Background(), job.ID, cause)
		require.NoError(t, err)
	}
	assert.Equal(t, models.StatusFailed, got.Status)
	assert.False(t, decision.WillRetry)
	assert.Equal(t, false, st.mutations[2].Event.Payload["will_retry"])
}

func TestFailPermanentAndTruncates(t *testing.T) {
	job := processingJob(1)
	st := newMemStore(job)
	long := make([]byte, 3000)
	for i := range long {
		long[i] = 'x'
	}
	cause := pipeline.Permanent(errors.New(string(long)))

	got, decision, err := newMachine(st).Fail(context.Background(), job.ID, cause)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.Status)
	assert.False(t, decision.Retryable)
	assert.Len(t, *got.LastError, maxErrorLen)
}

func TestFailRequiresProcessing(t *testing.T) {
	job := processingJob(1)
	job.Status = models.StatusQueued
	_, _, err := newMachine(newMemStore(job)).Fail(context.Background(), job.ID, errors.New("x"))
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestApprove(t *testing.T) {
	job := models.Job{ID: uuid.New(), Status: models.StatusPendingApproval, RequiresAdminApproval: true}
	st := newMemStore(job)
	m := newMachine(st)
	admin := Approver{ID: uuid.New(), Name: "Dana"}
	postID := int64(321)

	got, err := m.Approve(context.Background(), job.ID, admin, &postID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusQueued, got.Status)
	assert.True(t, got.Approved())
	assert.Equal(t, admin.ID, *got.ApprovedBy)
	assert.Equal(t, "Dana", *got.ApprovedByNameSnapshot)
	assert.Equal(t, int64(321), *got.WPPostID)
	assert.Nil(t, st.mutations[0].Event)

	other := Approver{ID: uuid.New(), Name: "Lee"}
	again, err := m.Approve(context.Background(), job.ID, other, nil)
	require.NoError(t, err)
	assert.Equal(t, got.ApprovedBy, again.ApprovedBy)
	assert.Equal(t, got.ApprovedAt, again.ApprovedAt)
	assert.Equal(t, models.StatusQueued, again.Status)
}

func TestApproveKeepsExistingFields(t *testing.T) {
	earlier := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	job := models.Job{ID: uuid.New(), Status: models.StatusPendingApproval, RequiresAdminApproval: true, ApprovedAt: &earlier}
	got, err := newMachine(newMemStore(job)).Approve(context.Background(), job.ID, Approver{ID: uuid.New()}, nil)
	require.NoError(t, err)
	assert.Equal(t, earlier, *got.ApprovedAt)
	assert.NotNil(t, got.ApprovedBy)
	assert.Nil(t, got.ApprovedByNameSnapshot)
}

func TestApproveRejectsUnapprovedTerminal(t *testing.T) {
	job := models.Job{ID: uuid.New(), Status: models.StatusRejected, RequiresAdminApproval: true}
	_, err := newMachine(newMemStore(job)).Approve(context.Background(), job.ID, Approver{ID: uuid.New()}, nil)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestReject(t *testing.T) {
	job := models.Job{ID: uuid.New(), Status: models.StatusPendingApproval, RequiresAdminApproval: true}
	st := newMemStore(job)

	got, err := newMachine(st).Reject(context.Background(), job.ID, Approver{ID: uuid.New(), Name: "Dana"}, "seo_or_link_issue", "anchor is spammy")
	require.NoError(t, err)
	assert.Equal(t, models.StatusRejected, got.Status)
	assert.Equal(t, "Rejected by admin (Dana): SEO or link placement issue: anchor is spammy", *got.LastError)

	mut := st.mutations[0]
	assert.Equal(t, models.SubmissionRejected, mut.SubmissionStatus)
	assert.Equal(t, "SEO or link placement issue: anchor is spammy", *mut.RejectionReason)
	assert.Equal(t, models.EventFailed, mut.Event.Type)
	assert.Equal(t, "admin_reject", mut.Event.Payload["action"])

	_, err = newMachine(st).Reject(context.Background(), job.ID, Approver{ID: uuid.New()}, "other", "")
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestReasonSummary(t *testing.T) {
	assert.Equal(t, "Other", ReasonSummary("made_up", ""))
	assert.Equal(t, "Policy or compliance issue: x", ReasonSummary("policy_or_compliance_issue", "x"))
}

func TestCancel(t *testing.T) {
	for _, status := range []models.JobStatus{models.StatusQueued, models.StatusRetrying, models.StatusPendingApproval, models.StatusFailed} {
		job := models.Job{ID: uuid.New(), Status: status}
		st := newMemStore(job)
		got, err := newMachine(st).Cancel(context.Background(), job.ID, Approver{ID: uuid.New()}, "client withdrew")
		require.NoError(t, err, status)
		assert.Equal(t, models.StatusCanceled, got.Status)
		assert.Equal(t, models.EventCanceled, st.mutations[0].Event.Type)
		assert.Equal(t, string(status), st.mutations[0].Event.Payload["from_status"])
	}

	for _, status := range []models.JobStatus{models.StatusProcessing, models.StatusSucceeded, models.StatusCanceled, models.StatusRejected} {
		job := models.Job{ID: uuid.New(), Status: status}
		_, err := newMachine(newMemStore(job)).Cancel(context.Background(), job.ID, Approver{ID: uuid.New()}, "")
		assert.ErrorIs(t, err, ErrInvalidTransition, status)
	}
}

func TestMutateNotFound(t *testing.T) {
	_, err := newMachine(newMemStore()).Cancel(context.Background(), uuid.New(), Approver{}, "")
	assert.ErrorIs(t, err, store.ErrNotFound)
}
