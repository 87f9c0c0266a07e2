package echoapi

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/ccscampus/campus/core"
	"github.com/ccscampus/campus/core/fee"
	"github.com/ccscampus/campus/core/user"
)

// feeApi leaves input validation to the ledger.
type feeApi struct {
	ledger *fee.Ledger
}

func registerFeeAPI(g *echo.Group, jwt echo.MiddlewareFunc, ledger *fee.Ledger) {
	api := feeApi{ledger: ledger}

	fg := g.Group("/fees", jwt, roleMiddleware(user.Role.CanManageFees))
	fg.POST("", api.create)
	fg.GET("", api.query)
	fg.GET("/:id", api.retrieve)
	fg.POST("/:id/payments", api.addPayment)
	fg.POST("/:id/late-fee", api.applyLateFee)
}

// Handlers

func (api *feeApi) create(ctx echo.Context) error {
	var data fee.NewFee
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to NewFee")
	}
	f, err := api.ledger.CreateFeeRecord(ctx.Request().Context(), data)
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusCreated, f)
}

func (api *feeApi) query(ctx echo.Context) error {
	studentID := ctx.QueryParam("student_id")
	if studentID == "" {
		return core.NewValidationError(nil, core.FieldError{Field: "student_id", Error: "this field is required"})
	}
	fees, err := api.ledger.ListByStudent(ctx.Request().Context(), studentID)
	if err != nil {
		return errors.Wrap(err, "listing fees")
	}
	if fees == nil {
		fees = []fee.Fee{}
	}
	return ctx.JSON(http.StatusOK, fees)
}

func (api *feeApi) retrieve(ctx echo.Context) error {
	f, err := api.ledger.Get(ctx.Request().Context(), ctx.Param("id"))
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusOK, f)
}

func (api *feeApi) addPayment(ctx echo.Context) error {
	var data fee.NewPayment
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to NewPayment")
	}
	f, err := api.ledger.AddPayment(ctx.Request().Context(), ctx.Param("id"), data)
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusCreated, f)
}

func (api *feeApi) applyLateFee(ctx echo.Context) error {
	f, applied, err := api.ledger.ApplyLateFeeIfDue(ctx.Request().Context(), ctx.Param("id"))
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusOK, LateFeeResponse{Fee: f, Applied: applied})
}

type LateFeeResponse struct {
	Fee     fee.Fee `json:"fee"`
	Applied bool    `json:"applied"`
}
