package tests

import (
	"net/http"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	echoapi "github.com/ccscampus/campus/apps/api/echo"
	"github.com/ccscampus/campus/core/fee"
)

func Test_feeApi(t *testing.T) {
	app := newTestApp(t)
	adminToken := app.token(t, app.admin)

	newFee := marshallObj(t, fee.NewFee{
		StudentID:       app.alice.ID,
		BaseAmount:      decimal.NewFromInt(1000),
		DiscountPercent: decimal.NewFromInt(10),
		DueDate:         "2999-01-31",
		GraceMonth:      1,
		GraceFeeAmount:  decimal.NewFromInt(50),
	})

	tests := []httpTest{
		{name: "auth required", method: http.MethodPost, path: "/v1/fees", wantCode: http.StatusUnauthorized, wantData: marshallObj(t, errMissingToken)},
		{
			name: "admin required", method: http.MethodPost, path: "/v1/fees", body: newFee,
			token: app.token(t, app.teacher), wantCode: http.StatusForbidden, wantData: marshallObj(t, errForbidden),
		},
		{
			name: "unknown student", method: http.MethodPost, path: "/v1/fees", token: adminToken,
			body: marshallObj(t, fee.NewFee{
				StudentID: "6f1d2a4e-51a8-4bb8-9d7b-2a0c5d4f3b21", BaseAmount: decimal.NewFromInt(10), DueDate: "2999-01-31",
			}),
			wantCode: http.StatusBadRequest, wantData: marshallObj(t, map[string]string{"student_id": "student not found"}),
		},
		{
			name: "student_id required", path: "/v1/fees", token: adminToken,
			wantCode: http.StatusBadRequest, wantData: marshallObj(t, map[string]string{"student_id": "this field is required"}),
		},
		{
			name: "unknown fee", path: "/v1/fees/6f1d2a4e-51a8-4bb8-9d7b-2a0c5d4f3b21", token: adminToken,
			wantCode: http.StatusNotFound, wantData: marshallObj(t, httpErr{Error: fee.ErrNotFound.Error()}),
		},
	}
	runHTTPTests(t, app, tests)

	// create
	req, rec := newAuthRequest(http.MethodPost, "/v1/fees", adminToken, newFee)
	app.do(req, rec)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var created fee.Fee
	unmarshall(t, rec, &created)
	assert.True(t, decimal.NewFromInt(981).Equal(created.TotalAmount), created.TotalAmount.String())
	assert.Equal(t, fee.StatusUnpaid, created.Status)

	// list
	req, rec = newAuthRequest(http.MethodGet, "/v1/fees?student_id="+app.alice.ID, adminToken)
	app.do(req, rec)
	require.Equal(t, http.StatusOK, rec.Code)
	var fees []fee.Fee
	unmarshall(t, rec, &fees)
	require.Len(t, fees, 1)
	assert.Equal(t, created.ID, fees[0].ID)

	req, rec = newAuthRequest(http.MethodGet, "/v1/fees?student_id="+app.bob.ID, adminToken)
	app.do(req, rec)
	assert.Equal(t, "[]", strings.TrimSpace(rec.Body.String()))

	// payments
	paymentsPath := "/v1/fees/" + created.ID + "/payments"
	tests = []httpTest{
		{
			name: "reference required", method: http.MethodPost, path: paymentsPath, token: adminToken,
			body:     marshallObj(t, fee.NewPayment{Amount: decimal.NewFromInt(100), Method: fee.MethodOnline}),
			wantCode: http.StatusBadRequest,
			wantData: marshallObj(t, map[string]string{"reference": "a reference number is required for this payment method"}),
		},
		{
			name: "unknown method", method: http.MethodPost, path: paymentsPath, token: adminToken,
			body:     marshallObj(t, fee.NewPayment{Amount: decimal.NewFromInt(100), Method: "crypto"}),
			wantCode: http.StatusBadRequest,
			wantData: marshallObj(t, map[string]string{"method": "payment method must be one of cash, bank_transfer, online, check"}),
		},
		{
			name: "unknown fee", method: http.MethodPost, path: "/v1/fees/6f1d2a4e-51a8-4bb8-9d7b-2a0c5d4f3b21/payments", token: adminToken,
			body:     marshallObj(t, fee.NewPayment{Amount: decimal.NewFromInt(100), Method: fee.MethodCash}),
			wantCode: http.StatusNotFound,
		},
	}
	runHTTPTests(t, app, tests)

	req, rec = newAuthRequest(http.MethodPost, paymentsPath, adminToken,
		marshallObj(t, fee.NewPayment{Amount: decimal.NewFromInt(481), Method: fee.MethodOnline, Reference: "TX-42"}))
	app.do(req, rec)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var paid fee.Fee
	unmarshall(t, rec, &paid)
	assert.True(t, decimal.NewFromInt(500).Equal(paid.DueAmount), paid.DueAmount.String())
	assert.Equal(t, fee.StatusPartiallyPaid, paid.Status)
	require.Len(t, paid.Payments, 1)
	assert.Equal(t, "TX-42", paid.Payments[0].Reference.String)

	// late fee: the grace period is far away
	req, rec = newAuthRequest(http.MethodPost, "/v1/fees/"+created.ID+"/late-fee", adminToken)
	app.do(req, rec)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var lateFee echoapi.LateFeeResponse
	unmarshall(t, rec, &lateFee)
	assert.False(t, lateFee.Applied)
	assert.True(t, decimal.NewFromInt(981).Equal(lateFee.Fee.TotalAmount))
}
