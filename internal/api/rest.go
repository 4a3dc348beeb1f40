package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/hbomb79/Harmony/internal/api/allowlist"
	"github.com/hbomb79/Harmony/internal/api/apierr"
	"github.com/hbomb79/Harmony/internal/api/jobs"
	"github.com/hbomb79/Harmony/internal/api/jwt"
	"github.com/hbomb79/Harmony/internal/api/uploads"
	"github.com/hbomb79/Harmony/internal/api/util"
	"github.com/hbomb79/Harmony/internal/event"
	"github.com/hbomb79/Harmony/internal/http/websocket"
	"github.com/hbomb79/Harmony/pkg/logger"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var log = logger.Get("API")

const apiRoot = "/api/harmony/v1"

type (
	RestConfig struct {
		HostAddr      string        `yaml:"host_address" env:"API_HOST_ADDR" env-default:"0.0.0.0:8080"`
		JWTSecret     string        `yaml:"jwt_secret" env:"API_JWT_SECRET" env-required:"true" validate:"min=32"`
		TokenLifespan time.Duration `yaml:"token_lifespan" env:"API_TOKEN_LIFESPAN" env-default:"720h"`
	}

	controller interface {
		SetRoutes(*echo.Group)
	}

	// Gate represents a union of the access requirements of the gateway
	Gate interface {
		allowlist.Gate
		jobs.Gate
	}

	// The RestGateway is a thin-wrapper around the Echo HTTP router. It's sole responsbility
	// is to create the routes Harmony exposes, manage ongoing web socket connections and events,
	// and to enforce authentication middleware where applicable.
	RestGateway struct {
		*broadcaster
		config              *RestConfig
		ec                  *echo.Echo
		socket              *websocket.SocketHub
		auth                *jwt.Provider
		jobsController      controller
		allowListController controller
		uploadsController   controller
	}
)

// NewRestGateway constructs the Echo router and populates it with all the
// routes defined by the various controllers.
func NewRestGateway(
	config *RestConfig,
	jobService jobs.Service,
	gate Gate,
	history uploads.Store,
	events event.EventDispatcher,
	gatherer prometheus.Gatherer,
) *RestGateway {
	ec := echo.New()
	ec.OnAddRouteHandler = func(host string, route echo.Route, handler echo.HandlerFunc, middleware []echo.MiddlewareFunc) {
		log.Emit(logger.DEBUG, "Registered new route %s %s\n", route.Method, route.Path)
	}
	ec.HidePort = true
	ec.HideBanner = true
	ec.Validator = util.NewRequestValidator(validator.New())
	ec.HTTPErrorHandler = apierr.GetHTTPErrorHandler(ec.DefaultHTTPErrorHandler)

	socket := websocket.New()
	auth := jwt.NewJwtAuth([]byte(config.JWTSecret), config.TokenLifespan)
	gateway := &RestGateway{
		broadcaster:         newBroadcaster(socket, jobService),
		config:              config,
		ec:                  ec,
		socket:              socket,
		auth:                auth,
		jobsController:      jobs.New(jobService, gate, nil),
		allowListController: allowlist.New(gate, events),
		uploadsController:   uploads.New(history),
	}
	(&wsGateway{jobService: jobService}).bind(socket)

	ec.Use(middleware.Logger())
	ec.Use(middleware.Recover())
	ec.Pre(middleware.AddTrailingSlash())

	ec.GET("/healthz/", func(ec echo.Context) error { return ec.NoContent(http.StatusOK) })
	if gatherer != nil {
		ec.GET("/metrics/", echo.WrapHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}

	authenticated := auth.Middleware()
	ec.GET(apiRoot+"/activity/ws/", func(ec echo.Context) error {
		gateway.socket.UpgradeToSocket(ec.Response(), ec.Request())
		return nil
	}, authenticated, requireMember(gate))

	jobsGroup := ec.Group(apiRoot+"/jobs", authenticated)
	gateway.jobsController.SetRoutes(jobsGroup)

	allowListGroup := ec.Group(apiRoot+"/allowlist", authenticated)
	gateway.allowListController.SetRoutes(allowListGroup)

	uploadsGroup := ec.Group(apiRoot+"/uploads", authenticated, requireMember(gate))
	gateway.uploadsController.SetRoutes(uploadsGroup)

	return gateway
}

func (gateway *RestGateway) Run(parentCtx context.Context) error {
	ctx, ctxCancel := context.WithCancelCause(parentCtx)
	wg := &sync.WaitGroup{}

	// Start echo router
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := gateway.ec.Start(gateway.config.HostAddr); err != nil && err != http.ErrServerClosed {
			ctxCancel(err)
		}
	}()

	// Start thread to listen for context cancellation
	go func(ec *echo.Echo) {
		<-ctx.Done()
		ec.Close()
	}(gateway.ec)

	// Start websocket
	wg.Add(1)
	go func() {
		defer wg.Done()
		gateway.socket.Start(ctx)
	}()

	wg.Wait()

	// Return cancellation cause if any, otherwise nil as parent context
	// cancellation is not an error case we should report.
	if cause := context.Cause(ctx); cause != ctx.Err() {
		return cause
	}

	return nil
}

// requireMember rejects requests from users who are not on the allow-list.
// Tokens outlive allow-list membership, so this is checked on every request.
func requireMember(gate Gate) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(ec echo.Context) error {
			requester, err := jwt.GetAuthenticatedUserFromContext(ec)
			if err != nil {
				return apierr.ErrAPIUnauthorized
			}
			if err := gate.Authorize(requester); err != nil {
				return apierr.ErrAPINotWhitelisted
			}

			return next(ec)
		}
	}
}
