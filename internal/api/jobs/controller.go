package jobs

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/hbomb79/Harmony/internal/access"
	"github.com/hbomb79/Harmony/internal/api/apierr"
	"github.com/hbomb79/Harmony/internal/api/jwt"
	"github.com/hbomb79/Harmony/internal/api/util"
	"github.com/hbomb79/Harmony/internal/dispatch"
	"github.com/hbomb79/Harmony/internal/job"
	"github.com/hbomb79/Harmony/pkg/logger"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

// MaxAttachmentSize bounds the size of a multipart attachment upload
const MaxAttachmentSize = "100M"

var controllerLogger = logger.Get("JobsController")

type (
	Service interface {
		Submit(access.UserID, dispatch.Target) job.Outcome
		Cancel(uuid.UUID) error
		Job(uuid.UUID) (job.Job, bool)
		Jobs() []job.Job
	}

	// Gate decides who may read and cancel jobs. The owner may see and
	// cancel every job, other members only their own. Submissions are
	// authorized by the job service itself.
	Gate interface {
		IsOwner(access.UserID) bool
		Authorize(access.UserID) error
	}

	Controller struct {
		service    Service
		gate       Gate
		httpClient *http.Client
	}
)

func New(service Service, gate Gate, httpClient *http.Client) *Controller {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	return &Controller{service: service, gate: gate, httpClient: httpClient}
}

func (controller *Controller) SetRoutes(eg *echo.Group) {
	eg.POST("/", controller.submit, middleware.BodyLimit(MaxAttachmentSize))
	eg.GET("/", controller.list)
	eg.GET("/:id/", controller.get)
	eg.DELETE("/:id/", controller.cancel)
}

// submit accepts either a JSON SubmitRequest, or a multipart form
// containing the attachment as the 'file' field. The response
// is the synchronous outcome of the submission: 202 with the job
// for an accepted job, or an error describing the rejection.
func (controller *Controller) submit(ec echo.Context) error {
	requester, err := jwt.GetAuthenticatedUserFromContext(ec)
	if err != nil {
		return apierr.ErrAPIUnauthorized
	}

	target, err := controller.targetFromRequest(ec)
	if err != nil {
		return err
	}

	outcome := controller.service.Submit(requester, target)
	if outcome.Kind == job.OutcomeRejected {
		controllerLogger.Infof("Submission from %s rejected: %s\n", requester, outcome.Err)
		return rejectionError(outcome.Err)
	}

	response := OutcomeDto{Outcome: outcome.Kind.String(), JobID: outcome.JobID}
	if j, ok := controller.service.Job(outcome.JobID); ok {
		dto := NewDto(j)
		response.Job = &dto
	}

	return ec.JSON(http.StatusAccepted, response)
}

// list returns the jobs visible to the requester
func (controller *Controller) list(ec echo.Context) error {
	requester, err := controller.member(ec)
	if err != nil {
		return err
	}

	visible := make([]job.Job, 0)
	for _, j := range controller.service.Jobs() {
		if controller.canSee(requester, j) {
			visible = append(visible, j)
		}
	}

	return ec.JSON(http.StatusOK, util.ApplyConversion(visible, NewDto))
}

func (controller *Controller) get(ec echo.Context) error {
	j, err := controller.lookup(ec)
	if err != nil {
		return err
	}

	return ec.JSON(http.StatusOK, NewDto(j))
}

// cancel requests cancellation of the job. The job reaches its
// terminal Failed state asynchronously.
func (controller *Controller) cancel(ec echo.Context) error {
	j, err := controller.lookup(ec)
	if err != nil {
		return err
	}

	if err := controller.service.Cancel(j.ID); err != nil {
		if errors.Is(err, job.ErrJobNotFound) {
			return apierr.ErrAPINotFound
		} else if errors.Is(err, job.ErrJobFinished) {
			return apierr.New(http.StatusConflict, "JOB_FINISHED", "Job has already finished")
		}

		return apierr.Internal(err)
	}

	return ec.NoContent(http.StatusAccepted)
}

func (controller *Controller) lookup(ec echo.Context) (job.Job, error) {
	requester, err := controller.member(ec)
	if err != nil {
		return job.Job{}, err
	}

	id, err := uuid.Parse(ec.Param("id"))
	if err != nil {
		return job.Job{}, apierr.New(http.StatusBadRequest, "INVALID_JOB_ID", "Job ID is not a valid UUID")
	}

	j, ok := controller.service.Job(id)
	if !ok || !controller.canSee(requester, j) {
		return job.Job{}, apierr.ErrAPINotFound
	}

	return j, nil
}

// member returns the requester, provided they are still on the allow-list
func (controller *Controller) member(ec echo.Context) (access.UserID, error) {
	requester, err := jwt.GetAuthenticatedUserFromContext(ec)
	if err != nil {
		return "", apierr.ErrAPIUnauthorized
	}
	if err := controller.gate.Authorize(requester); err != nil {
		controllerLogger.Debugf("Rejecting job request from %s: %v\n", requester, err)
		return "", apierr.ErrAPINotWhitelisted
	}

	return requester, nil
}

func (controller *Controller) canSee(requester access.UserID, j job.Job) bool {
	return j.RequesterID == requester || controller.gate.IsOwner(requester)
}

func (controller *Controller) targetFromRequest(ec echo.Context) (dispatch.Target, error) {
	if strings.HasPrefix(ec.Request().Header.Get(echo.HeaderContentType), echo.MIMEMultipartForm) {
		return attachmentFromForm(ec)
	}

	var request SubmitRequest
	if err := ec.Bind(&request); err != nil {
		return dispatch.Target{}, apierr.New(http.StatusBadRequest, "INVALID_BODY", "Request body could not be parsed")
	}
	if err := ec.Validate(&request); err != nil {
		return dispatch.Target{}, apierr.APIError{
			Status:          http.StatusBadRequest,
			Code:            "INVALID_BODY",
			Message:         "Request must provide either a link, or an attachment_url with a filename",
			InternalMessage: err.Error(),
		}
	}

	if request.AttachmentURL != "" {
		return dispatch.AttachmentTarget(dispatch.AttachmentFromURL(request.Filename, request.AttachmentURL, controller.httpClient)), nil
	}

	return dispatch.LinkTarget(strings.TrimSpace(request.Link)), nil
}

// attachmentFromForm reads the attachment in to memory, as the
// multipart temp files do not outlive the request.
func attachmentFromForm(ec echo.Context) (dispatch.Target, error) {
	header, err := ec.FormFile("file")
	if err != nil {
		return dispatch.Target{}, apierr.New(http.StatusBadRequest, "MISSING_FILE", "Multipart submission must include a 'file'")
	}

	file, err := header.Open()
	if err != nil {
		return dispatch.Target{}, apierr.Internal(fmt.Errorf("failed to open uploaded attachment: %w", err))
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return dispatch.Target{}, apierr.Internal(fmt.Errorf("failed to read uploaded attachment: %w", err))
	}

	return dispatch.AttachmentTarget(dispatch.AttachmentFromBytes(header.Filename, data)), nil
}

func rejectionError(err *job.Error) error {
	if err == nil {
		return apierr.Internal(errors.New("job rejected without a reason"))
	}

	status := http.StatusInternalServerError
	switch {
	case err.Kind.IsAuthorization():
		status = http.StatusForbidden
	case err.Kind == job.UnsupportedMediaType:
		status = http.StatusUnsupportedMediaType
	}

	apiErr := apierr.New(status, err.Kind.String(), err.Detail)
	if status == http.StatusInternalServerError {
		apiErr.InternalMessage = err.Error()
	}

	return apiErr
}
