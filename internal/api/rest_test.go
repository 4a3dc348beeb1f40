package api

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	gorilla "github.com/gorilla/websocket"
	"github.com/hbomb79/Harmony/internal/access"
	"github.com/hbomb79/Harmony/internal/dispatch"
	"github.com/hbomb79/Harmony/internal/event"
	"github.com/hbomb79/Harmony/internal/job"
	"github.com/hbomb79/Harmony/internal/ledger"
	"github.com/hbomb79/Harmony/internal/media"
	"github.com/hbomb79/Harmony/internal/metrics"
	"github.com/hbomb79/Harmony/pkg/logger"
	"github.com/hbomb79/Harmony/tests/helpers"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const (
	owner    access.UserID = "owner-1"
	member   access.UserID = "member-2"
	stranger access.UserID = "stranger-3"
)

func init() {
	logger.SetMinLoggingLevel(logger.VERBOSE.Level())
}

type mockJobService struct{ mock.Mock }

func (m *mockJobService) Submit(requester access.UserID, target dispatch.Target) job.Outcome {
	return m.Called(requester, target).Get(0).(job.Outcome)
}

func (m *mockJobService) Cancel(id uuid.UUID) error {
	return m.Called(id).Error(0)
}

func (m *mockJobService) Job(id uuid.UUID) (job.Job, bool) {
	args := m.Called(id)
	return args.Get(0).(job.Job), args.Bool(1)
}

func (m *mockJobService) Jobs() []job.Job {
	return m.Called().Get(0).([]job.Job)
}

type fixture struct {
	gateway *RestGateway
	jobs    *mockJobService
	gate    *access.Gate
	ledger  *ledger.Ledger
	events  event.EventCoordinator
}

func newFixture(t *testing.T) *fixture {
	db := helpers.NewSqliteDatabase(t)
	gate, err := access.NewGate(owner, db)
	require.NoError(t, err)
	require.NoError(t, gate.Grant(owner, member))

	registry := prometheus.NewRegistry()
	metrics.NewJobMetrics(registry).IncSubmitted(dispatch.GenericMedia.String(), "accepted")

	fixture := &fixture{
		jobs:   &mockJobService{},
		gate:   gate,
		ledger: ledger.New(db, ledger.NewStore()),
		events: event.New(),
	}
	config := &RestConfig{JWTSecret: strings.Repeat("s", 32), TokenLifespan: time.Hour}
	fixture.gateway = NewRestGateway(config, fixture.jobs, gate, fixture.ledger, fixture.events, registry)

	return fixture
}

func (f *fixture) token(t *testing.T, userID access.UserID) string {
	token, _, err := f.gateway.auth.GenerateToken(userID)
	require.NoError(t, err)
	return token
}

func (f *fixture) do(t *testing.T, userID access.UserID, method string, path string, body any) *httptest.ResponseRecorder {
	var req *http.Request
	if body != nil {
		encoded, err := json.Marshal(body)
		require.NoError(t, err)
		req = httptest.NewRequest(method, path, bytes.NewReader(encoded))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	} else {
		req = httptest.NewRequest(method, path, nil)
	}

	return f.serve(t, userID, req)
}

func (f *fixture) serve(t *testing.T, userID access.UserID, req *http.Request) *httptest.ResponseRecorder {
	if userID != "" {
		req.Header.Set(echo.HeaderAuthorization, "Bearer "+f.token(t, userID))
	}

	rec := httptest.NewRecorder()
	f.gateway.ec.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	return decode[map[string]string](t, rec)["code"]
}

func pendingJob(requester access.UserID, target dispatch.Target) job.Job {
	return job.Job{
		ID:          uuid.New(),
		RequesterID: requester,
		Target:      target,
		Kind:        dispatch.GenericMedia,
		Status:      job.Pending,
		CreatedAt:   time.Now(),
		Deadline:    time.Now().Add(time.Minute),
	}
}

func TestGateway_RequiresAuthentication(t *testing.T) {
	f := newFixture(t)

	for _, path := range []string{"/api/harmony/v1/jobs", "/api/harmony/v1/allowlist/", "/api/harmony/v1/uploads/"} {
		rec := f.do(t, "", http.MethodGet, path, nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code, path)
	}

	rec := f.do(t, "", http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestGateway_SubmitLink(t *testing.T) {
	f := newFixture(t)
	target := dispatch.LinkTarget("https://example.com/watch?v=abc")
	accepted := pendingJob(member, target)

	f.jobs.On("Submit", member, target).Return(job.Outcome{Kind: job.OutcomeAccepted, JobID: accepted.ID}).Once()
	f.jobs.On("Job", accepted.ID).Return(accepted, true)

	rec := f.do(t, member, http.MethodPost, "/api/harmony/v1/jobs/", map[string]string{"link": " https://example.com/watch?v=abc "})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	body := decode[map[string]any](t, rec)
	assert.Equal(t, "ACCEPTED", body["outcome"])
	assert.Equal(t, accepted.ID.String(), body["job_id"])
	jobBody := body["job"].(map[string]any)
	assert.Equal(t, "PENDING", jobBody["status"])
	assert.Equal(t, "https://example.com/watch?v=abc", jobBody["source"])
	f.jobs.AssertExpectations(t)
}

func TestGateway_SubmitAttachmentURL(t *testing.T) {
	f := newFixture(t)
	id := uuid.New()

	isAttachment := mock.MatchedBy(func(target dispatch.Target) bool {
		return target.Attachment != nil &&
			target.Attachment.Filename == "song.mp3" &&
			target.Source() == "https://cdn.example.com/song.mp3"
	})
	f.jobs.On("Submit", member, isAttachment).Return(job.Outcome{Kind: job.OutcomeAccepted, JobID: id}).Once()
	f.jobs.On("Job", id).Return(job.Job{}, false)

	rec := f.do(t, member, http.MethodPost, "/api/harmony/v1/jobs/", map[string]string{
		"attachment_url": "https://cdn.example.com/song.mp3",
		"filename":       "song.mp3",
	})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	f.jobs.AssertExpectations(t)
}

func TestGateway_SubmitMultipartAttachment(t *testing.T) {
	f := newFixture(t)
	id := uuid.New()

	var staged []byte
	isUpload := mock.MatchedBy(func(target dispatch.Target) bool {
		if target.Attachment == nil || target.Attachment.Filename != "voice memo.m4a" {
			return false
		}

		reader, err := target.Attachment.Open(context.Background())
		if err != nil {
			return false
		}
		defer reader.Close()

		buf := new(bytes.Buffer)
		_, _ = buf.ReadFrom(reader)
		staged = buf.Bytes()
		return true
	})
	f.jobs.On("Submit", member, isUpload).Return(job.Outcome{Kind: job.OutcomeAccepted, JobID: id}).Once()
	f.jobs.On("Job", id).Return(job.Job{}, false)

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	part, err := writer.CreateFormFile("file", "voice memo.m4a")
	require.NoError(t, err)
	_, err = part.Write([]byte("m4a-bytes"))
	require.NoError(t, err)
	require.NoError(t, writer.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/harmony/v1/jobs/", body)
	req.Header.Set(echo.HeaderContentType, writer.FormDataContentType())
	rec := f.serve(t, member, req)

	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.Equal(t, "m4a-bytes", string(staged))
}

func TestGateway_SubmitRejections(t *testing.T) {
	tests := []struct {
		name   string
		err    *job.Error
		status int
		code   string
	}{
		{"not whitelisted", &job.Error{Kind: job.NotWhitelisted, Detail: "user is not on the allow-list"}, http.StatusForbidden, "NOT_WHITELISTED"},
		{"unsupported media", &job.Error{Kind: job.UnsupportedMediaType, Detail: "'.wav' is not accepted"}, http.StatusUnsupportedMediaType, "UNSUPPORTED_MEDIA_TYPE"},
		{"internal", &job.Error{Kind: job.Internal, Detail: "boom"}, http.StatusInternalServerError, "INTERNAL"},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			f := newFixture(t)
			f.jobs.On("Submit", stranger, mock.Anything).Return(job.Outcome{Kind: job.OutcomeRejected, Err: test.err}).Once()

			rec := f.do(t, stranger, http.MethodPost, "/api/harmony/v1/jobs/", map[string]string{"link": "https://example.com/a"})
			assert.Equal(t, test.status, rec.Code)
			assert.Equal(t, test.code, errorCode(t, rec))
		})
	}
}

func TestGateway_SubmitInvalidBody(t *testing.T) {
	f := newFixture(t)

	bodies := []map[string]string{
		{},
		{"link": "https://example.com/a", "attachment_url": "https://cdn.example.com/a.mp3", "filename": "a.mp3"},
		{"attachment_url": "https://cdn.example.com/a.mp3"},
		{"attachment_url": "not a url", "filename": "a.mp3"},
	}
	for _, body := range bodies {
		rec := f.do(t, member, http.MethodPost, "/api/harmony/v1/jobs/", body)
		assert.Equal(t, http.StatusBadRequest, rec.Code, body)
		assert.Equal(t, "INVALID_BODY", errorCode(t, rec))
	}

	f.jobs.AssertNotCalled(t, "Submit", mock.Anything, mock.Anything)
}

func TestGateway_ListAndGetRespectOwnership(t *testing.T) {
	f := newFixture(t)
	mine := pendingJob(member, dispatch.LinkTarget("https://example.com/mine"))
	theirs := pendingJob(owner, dispatch.LinkTarget("https://example.com/theirs"))
	f.jobs.On("Jobs").Return([]job.Job{mine, theirs})
	f.jobs.On("Job", mine.ID).Return(mine, true)
	f.jobs.On("Job", theirs.ID).Return(theirs, true)
	f.jobs.On("Job", mock.Anything).Return(job.Job{}, false)

	memberList := decode[[]map[string]any](t, f.do(t, member, http.MethodGet, "/api/harmony/v1/jobs/", nil))
	require.Len(t, memberList, 1)
	assert.Equal(t, mine.ID.String(), memberList[0]["id"])

	ownerList := decode[[]map[string]any](t, f.do(t, owner, http.MethodGet, "/api/harmony/v1/jobs/", nil))
	assert.Len(t, ownerList, 2)

	assert.Equal(t, http.StatusOK, f.do(t, member, http.MethodGet, "/api/harmony/v1/jobs/"+mine.ID.String(), nil).Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, member, http.MethodGet, "/api/harmony/v1/jobs/"+theirs.ID.String(), nil).Code)
	assert.Equal(t, http.StatusOK, f.do(t, owner, http.MethodGet, "/api/harmony/v1/jobs/"+mine.ID.String(), nil).Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, owner, http.MethodGet, "/api/harmony/v1/jobs/"+uuid.NewString(), nil).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, owner, http.MethodGet, "/api/harmony/v1/jobs/not-a-uuid", nil).Code)
}

func TestGateway_GetSucceededJob(t *testing.T) {
	f := newFixture(t)
	completed := pendingJob(member, dispatch.LinkTarget("https://example.com/a"))
	completed.Status = job.Succeeded
	completed.Record = &ledger.UploadRecord{ID: 4, UserID: member, Title: "Song A", SizeBytes: media.Int64(3_250_000), DurationSeconds: media.Float64(215)}
	f.jobs.On("Job", completed.ID).Return(completed, true)

	body := decode[map[string]any](t, f.do(t, member, http.MethodGet, "/api/harmony/v1/jobs/"+completed.ID.String(), nil))
	assert.Equal(t, "SUCCEEDED", body["status"])
	upload := body["upload"].(map[string]any)
	assert.Equal(t, "3.58 min", upload["duration"])
	assert.Equal(t, "3.10 MB", upload["size"])
}

func TestGateway_CancelJob(t *testing.T) {
	f := newFixture(t)
	running := pendingJob(member, dispatch.LinkTarget("https://example.com/a"))
	finished := pendingJob(member, dispatch.LinkTarget("https://example.com/b"))
	f.jobs.On("Job", running.ID).Return(running, true)
	f.jobs.On("Job", finished.ID).Return(finished, true)
	f.jobs.On("Cancel", running.ID).Return(nil).Once()
	f.jobs.On("Cancel", finished.ID).Return(job.ErrJobFinished).Once()

	assert.Equal(t, http.StatusAccepted, f.do(t, member, http.MethodDelete, "/api/harmony/v1/jobs/"+running.ID.String(), nil).Code)

	rec := f.do(t, member, http.MethodDelete, "/api/harmony/v1/jobs/"+finished.ID.String(), nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "JOB_FINISHED", errorCode(t, rec))
	f.jobs.AssertExpectations(t)
}

func TestGateway_AllowList(t *testing.T) {
	f := newFixture(t)
	updates := make(event.HandlerChannel, 10)
	f.events.RegisterHandlerChannel(updates, event.ALLOWLIST_UPDATE)

	// Only the owner may manage the allow-list
	rec := f.do(t, member, http.MethodPut, "/api/harmony/v1/allowlist/stranger-3", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "NOT_OWNER", errorCode(t, rec))
	assert.False(t, f.gate.IsAuthorized(stranger))

	assert.Equal(t, http.StatusNoContent, f.do(t, owner, http.MethodPut, "/api/harmony/v1/allowlist/stranger-3", nil).Code)
	assert.True(t, f.gate.IsAuthorized(stranger))
	assert.Equal(t, access.UserID("stranger-3"), (<-updates).Payload)

	members := decode[map[string]any](t, f.do(t, owner, http.MethodGet, "/api/harmony/v1/allowlist/", nil))
	assert.Equal(t, "owner-1", members["owner"])
	assert.ElementsMatch(t, []any{"member-2", "owner-1", "stranger-3"}, members["members"])

	assert.Equal(t, http.StatusNoContent, f.do(t, owner, http.MethodDelete, "/api/harmony/v1/allowlist/stranger-3", nil).Code)
	assert.False(t, f.gate.IsAuthorized(stranger))
	assert.Equal(t, access.UserID("stranger-3"), (<-updates).Payload)

	rec = f.do(t, owner, http.MethodDelete, "/api/harmony/v1/allowlist/owner-1", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "OWNER_IMMUTABLE", errorCode(t, rec))
}

func TestGateway_RevokedMemberLosesJobAccess(t *testing.T) {
	f := newFixture(t)
	own := pendingJob(member, dispatch.LinkTarget("https://example.com/a"))
	f.jobs.On("Jobs").Return([]job.Job{own})
	f.jobs.On("Job", own.ID).Return(own, true)
	f.jobs.On("Cancel", own.ID).Return(nil)

	// Issued while still a member, and remains cryptographically valid
	token := f.token(t, member)
	withToken := func(method string, path string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, path, nil)
		req.Header.Set(echo.HeaderAuthorization, "Bearer "+token)
		rec := httptest.NewRecorder()
		f.gateway.ec.ServeHTTP(rec, req)
		return rec
	}

	jobPath := "/api/harmony/v1/jobs/" + own.ID.String()
	assert.Equal(t, http.StatusOK, withToken(http.MethodGet, "/api/harmony/v1/jobs/").Code)
	assert.Equal(t, http.StatusOK, withToken(http.MethodGet, jobPath).Code)

	assert.Equal(t, http.StatusNoContent, f.do(t, owner, http.MethodDelete, "/api/harmony/v1/allowlist/member-2", nil).Code)

	tests := []struct {
		method string
		path   string
	}{
		{http.MethodGet, "/api/harmony/v1/jobs/"},
		{http.MethodGet, jobPath},
		{http.MethodDelete, jobPath},
		{http.MethodGet, "/api/harmony/v1/uploads/"},
	}
	for _, test := range tests {
		t.Run(test.method+" "+test.path, func(t *testing.T) {
			rec := withToken(test.method, test.path)
			assert.Equal(t, http.StatusForbidden, rec.Code)
			assert.Equal(t, "NOT_WHITELISTED", errorCode(t, rec))
		})
	}
	f.jobs.AssertNotCalled(t, "Cancel", own.ID)

	// The owner is unaffected
	listed := decode[[]map[string]any](t, f.do(t, owner, http.MethodGet, "/api/harmony/v1/jobs/", nil))
	assert.Len(t, listed, 1)
	assert.Equal(t, http.StatusAccepted, f.do(t, owner, http.MethodDelete, jobPath, nil).Code)
}

func TestGateway_UploadHistory(t *testing.T) {
	f := newFixture(t)
	for _, title := range []string{"First", "Second", "Third"} {
		_, err := f.ledger.Append(ledger.NewRecord(member, "https://example.com/"+title, media.Metadata{Title: title, SizeBytes: media.Int64(3_250_000)}))
		require.NoError(t, err)
	}

	rec := f.do(t, stranger, http.MethodGet, "/api/harmony/v1/uploads/", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "NOT_WHITELISTED", errorCode(t, rec))

	history := decode[[]map[string]any](t, f.do(t, member, http.MethodGet, "/api/harmony/v1/uploads/?limit=2", nil))
	require.Len(t, history, 2)
	assert.Equal(t, "Third", history[0]["title"])
	assert.Equal(t, "Second", history[1]["title"])
	assert.Equal(t, "3.10 MB", history[0]["size"])
	assert.Equal(t, media.UnknownLabel, history[0]["duration"])

	all := decode[[]map[string]any](t, f.do(t, member, http.MethodGet, "/api/harmony/v1/uploads/?limit=25", nil))
	assert.Len(t, all, 3)

	assert.Equal(t, http.StatusBadRequest, f.do(t, member, http.MethodGet, "/api/harmony/v1/uploads/?limit=lots", nil).Code)
}

func TestGateway_Metrics(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, "", http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "harmony_jobs_submitted_total")
}

func TestGateway_ActivitySocket(t *testing.T) {
	f := newFixture(t)
	existing := pendingJob(member, dispatch.LinkTarget("https://example.com/a"))
	f.jobs.On("Jobs").Return([]job.Job{existing})
	f.jobs.On("Job", existing.ID).Return(existing, true)

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		f.gateway.socket.Start(ctx)
	}()

	server := httptest.NewServer(f.gateway.ec)
	t.Cleanup(func() {
		cancel()
		<-stopped
		server.Close()
	})

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/api/harmony/v1/activity/ws/"
	_, resp, err := gorilla.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	header := http.Header{}
	header.Set(echo.HeaderAuthorization, "Bearer "+f.token(t, member))
	var conn *gorilla.Conn
	require.Eventually(t, func() bool {
		c, _, err := gorilla.DefaultDialer.Dial(url, header)
		if err != nil {
			return false
		}
		conn = c
		return true
	}, 2*time.Second, 20*time.Millisecond)
	defer conn.Close()

	read := func() map[string]any {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		var message map[string]any
		require.NoError(t, conn.ReadJSON(&message))
		return message
	}

	welcome := read()
	assert.Equal(t, "CONNECTION_ESTABLISHED", welcome["title"])
	assert.Len(t, welcome["arguments"].(map[string]any)["jobs"], 1)

	require.NoError(t, f.gateway.BroadcastJobUpdate(existing.ID))
	update := read()
	assert.Equal(t, TITLE_JOB_UPDATE, update["title"])
	payload := update["arguments"].(map[string]any)["payload"].(map[string]any)
	assert.Equal(t, existing.ID.String(), payload["job_id"])

	require.NoError(t, conn.WriteJSON(map[string]any{"title": "JOB_DETAILS", "id": 3, "type": 1, "arguments": map[string]any{"id": existing.ID.String()}}))
	reply := read()
	assert.Equal(t, "COMMAND_SUCCESS", reply["title"])
	assert.EqualValues(t, 3, reply["id"])

	require.NoError(t, conn.WriteJSON(map[string]any{"title": "JOB_DETAILS", "id": 4, "type": 1, "arguments": map[string]any{"id": "not-a-job"}}))
	reply = read()
	assert.Equal(t, "COMMAND_FAILURE", reply["title"])
	assert.EqualValues(t, 4, reply["id"])
	assert.Contains(t, reply["arguments"].(map[string]any)["error"], "'id' is not a job ID")
}
