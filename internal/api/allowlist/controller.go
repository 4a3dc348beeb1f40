package allowlist

import (
	"errors"
	"net/http"

	"github.com/hbomb79/Harmony/internal/access"
	"github.com/hbomb79/Harmony/internal/api/apierr"
	"github.com/hbomb79/Harmony/internal/api/jwt"
	"github.com/hbomb79/Harmony/internal/api/util"
	"github.com/hbomb79/Harmony/internal/event"
	"github.com/labstack/echo/v4"
)

type (
	MembersDto struct {
		Owner   string   `json:"owner"`
		Members []string `json:"members"`
	}

	Gate interface {
		Apply(access.UserID, access.Intent) (access.IntentResult, error)
		Owner() access.UserID
	}

	Controller struct {
		gate   Gate
		events event.EventDispatcher
	}
)

func New(gate Gate, events event.EventDispatcher) *Controller {
	return &Controller{gate: gate, events: events}
}

func (controller *Controller) SetRoutes(eg *echo.Group) {
	eg.GET("/", controller.list)
	eg.PUT("/:user/", controller.grant)
	eg.DELETE("/:user/", controller.revoke)
}

func (controller *Controller) list(ec echo.Context) error {
	result, err := controller.apply(ec, access.ListIntent{})
	if err != nil {
		return err
	}

	toString := func(id access.UserID) string { return string(id) }
	return ec.JSON(http.StatusOK, MembersDto{
		Owner:   string(controller.gate.Owner()),
		Members: util.ApplyConversion(result.Members, toString),
	})
}

func (controller *Controller) grant(ec echo.Context) error {
	target := access.UserID(ec.Param("user"))
	if _, err := controller.apply(ec, access.GrantIntent{Target: target}); err != nil {
		return err
	}

	controller.events.Dispatch(event.ALLOWLIST_UPDATE, target)
	return ec.NoContent(http.StatusNoContent)
}

func (controller *Controller) revoke(ec echo.Context) error {
	target := access.UserID(ec.Param("user"))
	if _, err := controller.apply(ec, access.RevokeIntent{Target: target}); err != nil {
		return err
	}

	controller.events.Dispatch(event.ALLOWLIST_UPDATE, target)
	return ec.NoContent(http.StatusNoContent)
}

func (controller *Controller) apply(ec echo.Context, intent access.Intent) (access.IntentResult, error) {
	requester, err := jwt.GetAuthenticatedUserFromContext(ec)
	if err != nil {
		return access.IntentResult{}, apierr.ErrAPIUnauthorized
	}

	result, err := controller.gate.Apply(requester, intent)
	if err != nil {
		return result, toAPIError(err)
	}

	return result, nil
}

func toAPIError(err error) error {
	switch {
	case errors.Is(err, access.ErrNotOwner):
		return apierr.New(http.StatusForbidden, "NOT_OWNER", "Only the owner may manage the allow-list")
	case errors.Is(err, access.ErrOwnerImmutable):
		return apierr.New(http.StatusConflict, "OWNER_IMMUTABLE", "The owner cannot be removed from the allow-list")
	case errors.Is(err, access.ErrInvalidUser):
		return apierr.New(http.StatusBadRequest, "INVALID_USER", "User ID must not be empty")
	}

	return apierr.Internal(err)
}
