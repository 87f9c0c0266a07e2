package echoapi

import (
	"net/http"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/ccscampus/campus/core"
	"github.com/ccscampus/campus/core/attendance"
	"github.com/ccscampus/campus/core/user"
)

type attendanceApi struct {
	conf     *core.Config
	logger   core.Logger
	svc      *attendance.Service
	notifier *attendance.NotifierService
	validate *validator.Validate
}

func registerAttendanceAPI(g *echo.Group, jwt echo.MiddlewareFunc, deps ServerDeps) *attendanceApi {
	api := &attendanceApi{
		conf:     deps.Conf,
		logger:   deps.Logger,
		svc:      deps.AttendanceSvc,
		notifier: deps.Notifier,
		validate: deps.Validate,
	}

	ag := g.Group("/attendance", jwt, roleMiddleware(user.Role.CanMarkAttendance))
	ag.GET("/students/:id/stats", api.monthlyStats)
	ag.GET("/:date", api.fetch)
	ag.POST("/:date", api.save)
	ag.PUT("/:date/students/:id/slots", api.setSlots)

	reset := roleMiddleware(user.Role.CanResetAttendance)
	ag.DELETE("/:date", api.resetDate, reset)
	ag.DELETE("/:date/hours/:hour", api.resetHour, reset)

	return api
}

func dateParam(ctx echo.Context) (attendance.Date, error) {
	date, err := attendance.ParseDate(ctx.Param("date"))
	if err != nil {
		return "", core.NewValidationError(err, core.FieldError{Field: "date", Error: "date must be formatted as YYYY-MM-DD"})
	}
	return date, nil
}

// Handlers

func (api *attendanceApi) fetch(ctx echo.Context) error {
	date, err := dateParam(ctx)
	if err != nil {
		return err
	}
	recs, err := api.svc.FetchForDate(ctx.Request().Context(), date)
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusOK, recs)
}

func (api *attendanceApi) save(ctx echo.Context) error {
	date, err := dateParam(ctx)
	if err != nil {
		return err
	}
	var data attendance.SaveInput
	if err = ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to SaveInput")
	}
	if err = api.validate.Struct(data); err != nil {
		return err
	}

	saved, err := api.svc.Save(ctx.Request().Context(), data.ToRecords(date))
	if err != nil {
		if errors.Is(err, attendance.ErrStudentNotFound) {
			return core.NewValidationError(err, core.FieldError{Field: "records", Error: "unknown student"})
		}
		return err
	}
	return ctx.JSON(http.StatusOK, saved)
}

func (api *attendanceApi) setSlots(ctx echo.Context) error {
	date, err := dateParam(ctx)
	if err != nil {
		return err
	}
	var data attendance.SlotsInput
	if err = ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to SlotsInput")
	}
	if err = api.validate.Struct(data); err != nil {
		return err
	}

	rec, err := api.svc.SetSelectedSlots(ctx.Request().Context(), ctx.Param("id"), date, data.Hours)
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusOK, rec)
}

func (api *attendanceApi) monthlyStats(ctx echo.Context) error {
	month, err := attendance.ParseMonth(ctx.QueryParam("month"))
	if err != nil {
		return err
	}
	stats, err := api.svc.MonthlyStats(ctx.Request().Context(), ctx.Param("id"), month)
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusOK, stats)
}

func (api *attendanceApi) resetDate(ctx echo.Context) error {
	date, err := dateParam(ctx)
	if err != nil {
		return err
	}
	if err = api.svc.DeleteForDate(ctx.Request().Context(), date); err != nil {
		return err
	}
	return ctx.NoContent(http.StatusNoContent)
}

func (api *attendanceApi) resetHour(ctx echo.Context) error {
	date, err := dateParam(ctx)
	if err != nil {
		return err
	}
	hour, err := strconv.Atoi(ctx.Param("hour"))
	if err != nil {
		return core.NewValidationError(err, core.FieldError{Field: "hour", Error: "hour must be a number"})
	}
	if err = api.svc.DeleteHourForDate(ctx.Request().Context(), date, hour); err != nil {
		return err
	}
	return ctx.NoContent(http.StatusNoContent)
}
