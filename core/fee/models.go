package fee

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/volatiletech/null/v8"
)

const (
	DateLayout = "2006-01-02"

	// LateFeeReference marks the system payment recording an applied late fee.
	LateFeeReference = "LATE_FEE"
)

type Status string

const (
	StatusPaid          Status = "paid"
	StatusPartiallyPaid Status = "partially_paid"
	StatusUnpaid        Status = "unpaid"
)

type Method string

const (
	MethodCash         Method = "cash"
	MethodBankTransfer Method = "bank_transfer"
	MethodOnline       Method = "online"
	MethodCheck        Method = "check"
	MethodSystem       Method = "system"
)

// UserMethods are the methods an operator may record a payment with.
var UserMethods = []Method{MethodCash, MethodBankTransfer, MethodOnline, MethodCheck}

func (m Method) IsValid() bool {
	return m.IsUserMethod() || m == MethodSystem
}

func (m Method) IsUserMethod() bool {
	for _, um := range UserMethods {
		if m == um {
			return true
		}
	}
	return false
}

// RequiresReference reports whether a payment with this method needs a reference number.
func (m Method) RequiresReference() bool {
	return m == MethodOnline || m == MethodBankTransfer || m == MethodCheck
}

type Fee struct {
	ID               string          `json:"id"`
	StudentID        string          `json:"student_id"`
	TotalAmount      decimal.Decimal `json:"total_amount"` // GST inclusive
	PaidAmount       decimal.Decimal `json:"paid_amount"`
	DueAmount        decimal.Decimal `json:"due_amount"`
	DueDate          time.Time       `json:"due_date"`
	Status           Status          `json:"status"`
	GraceMonth       int             `json:"grace_month"`
	GraceFeeAmount   decimal.Decimal `json:"grace_fee_amount"`
	IsLateFeeApplied bool            `json:"is_late_fee_applied"`
	Payments         []Payment       `json:"payments"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// Derive computes the due amount and the status from the total and the paid amount.
func Derive(total, paid decimal.Decimal) (decimal.Decimal, Status) {
	due := total.Sub(paid)
	if due.IsNegative() {
		due = decimal.Zero
	}
	switch {
	case due.IsZero():
		return due, StatusPaid
	case paid.IsPositive():
		return due, StatusPartiallyPaid
	}
	return due, StatusUnpaid
}

// Refresh recomputes the derived fields.
func (f *Fee) Refresh() {
	f.DueAmount, f.Status = Derive(f.TotalAmount, f.PaidAmount)
}

// GraceUntil is the end of the grace period: the due date plus the grace months.
func (f Fee) GraceUntil() time.Time {
	return f.DueDate.AddDate(0, f.GraceMonth, 0)
}

func (f Fee) HasLateFeeSentinel() bool {
	for _, p := range f.Payments {
		if p.IsLateFeeSentinel() {
			return true
		}
	}
	return false
}

// IsLateFeeDue reports whether the late fee must be applied at now.
func (f Fee) IsLateFeeDue(now time.Time) bool {
	return f.GraceFeeAmount.IsPositive() && now.After(f.GraceUntil()) && !f.HasLateFeeSentinel()
}

type Payment struct {
	ID                 string          `json:"id"`
	FeeID              string          `json:"fee_id"`
	Amount             decimal.Decimal `json:"amount"`
	Date               time.Time       `json:"date"`
	Method             Method          `json:"method"`
	Reference          null.String     `json:"reference"`
	RemainingDueAmount decimal.Decimal `json:"remaining_due_amount"`
}

func (p Payment) IsLateFeeSentinel() bool {
	return p.Method == MethodSystem && p.Reference.Valid && p.Reference.String == LateFeeReference
}

// NewFee contains information needed to create a new Fee.
type NewFee struct {
	StudentID       string          `json:"student_id" validate:"required,uuid"`
	BaseAmount      decimal.Decimal `json:"base_amount" validate:"gt=0"`
	DiscountPercent decimal.Decimal `json:"discount_percent" validate:"gte=0,lte=100"`
	DueDate         string          `json:"due_date" validate:"required,datetime=2006-01-02"`
	GraceMonth      int             `json:"grace_month" validate:"gte=0"`
	GraceFeeAmount  decimal.Decimal `json:"grace_fee_amount" validate:"gte=0"`
	InitialPayment  *NewPayment     `json:"initial_payment"`
}

// NewPayment contains information needed to record a payment.
type NewPayment struct {
	Amount    decimal.Decimal `json:"amount" validate:"gt=0"`
	Method    Method          `json:"method" validate:"required,payment_method"`
	Reference string          `json:"reference"`
	Date      string          `json:"date" validate:"omitempty,datetime=2006-01-02"`
}

type ListFilter struct {
	StudentID string
	// LateFeePending keeps the fees with a grace fee and no late fee applied yet.
	LateFeePending bool
}
