package fee

import (
	"context"
	"fmt"
	"net/mail"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/volatiletech/null/v8"

	"github.com/ccscampus/campus/core"
	"github.com/ccscampus/campus/core/student"
)

var (
	NowFunc = time.Now // mockable

	// errors
	ErrNotFound = errors.New("fee not found")
)

type (
	// Repository persists fees and their payments.
	Repository interface {
		// InTx runs fn with a repository bound to a single transaction:
		// either every write of fn is kept or none is.
		InTx(ctx context.Context, fn func(repo Repository) error) error

		CreateFee(ctx context.Context, f Fee) (Fee, error)
		// GetFee returns the fee with its payments, locking it until the end of the transaction.
		GetFee(ctx context.Context, id string) (Fee, error)
		ListFees(ctx context.Context, filter ListFilter) ([]Fee, error)
		// UpdateFee saves the total, the paid amount and the late fee flag.
		UpdateFee(ctx context.Context, f Fee) (Fee, error)
		CreatePayment(ctx context.Context, p Payment) (Payment, error)
	}

	// Ledger applies payments and late fees to fee records.
	Ledger struct {
		repo     Repository
		students student.Repository
		validate *validator.Validate
		mailer   core.EmailService
		logger   core.Logger
		gstRate  decimal.Decimal
	}
)

func NewLedger(
	repo Repository,
	students student.Repository,
	validate *validator.Validate,
	mailer core.EmailService,
	conf *core.Config,
	logger core.Logger,
) *Ledger {
	return &Ledger{
		repo:     repo,
		students: students,
		validate: validate,
		mailer:   mailer,
		logger:   logger,
		gstRate:  decimal.NewFromFloat(conf.Fees.GSTRate),
	}
}

func (l *Ledger) GSTRate() decimal.Decimal {
	return l.gstRate
}

// CreateFeeRecord creates a fee with its GST inclusive total, recording the
// initial payment, if any, in the same transaction.
func (l *Ledger) CreateFeeRecord(ctx context.Context, nf NewFee) (Fee, error) {
	if err := l.validate.Struct(nf); err != nil {
		return Fee{}, err
	}
	dueDate, _ := time.Parse(DateLayout, nf.DueDate)
	if _, err := l.students.GetStudent(ctx, nf.StudentID); err != nil {
		if errors.Cause(err) == student.ErrNotFound {
			return Fee{}, core.NewValidationError(nil, core.FieldError{Field: "student_id", Error: "student not found"})
		}
		return Fee{}, errors.Wrap(err, "getting student")
	}

	now := NowFunc().UTC()
	f := Fee{
		StudentID:      nf.StudentID,
		TotalAmount:    TotalAmount(nf.BaseAmount, nf.DiscountPercent, l.gstRate),
		PaidAmount:     decimal.Zero,
		DueDate:        dueDate,
		GraceMonth:     nf.GraceMonth,
		GraceFeeAmount: Round(nf.GraceFeeAmount),
		Payments:       []Payment{},
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	f.Refresh()

	var paid *Payment
	err := l.repo.InTx(ctx, func(repo Repository) error {
		var err error
		if f, err = repo.CreateFee(ctx, f); err != nil {
			return errors.Wrap(err, "creating fee")
		}
		if nf.InitialPayment != nil && nf.InitialPayment.Amount.IsPositive() {
			var p Payment
			if f, p, err = l.pay(ctx, repo, f, *nf.InitialPayment); err != nil {
				return err
			}
			paid = &p
		}
		return nil
	})
	if err != nil {
		return Fee{}, err
	}
	if paid != nil {
		l.sendReceipt(ctx, f, *paid)
	}
	return f, nil
}

// AddPayment records a payment against a fee. The payment is rejected before
// reaching the store when it fails validation.
func (l *Ledger) AddPayment(ctx context.Context, feeID string, np NewPayment) (Fee, error) {
	if err := l.validate.Struct(np); err != nil {
		return Fee{}, err
	}

	var (
		f Fee
		p Payment
	)
	err := l.repo.InTx(ctx, func(repo Repository) error {
		var err error
		if f, err = repo.GetFee(ctx, feeID); err != nil {
			return err
		}
		f, p, err = l.pay(ctx, repo, f, np)
		return err
	})
	if err != nil {
		return Fee{}, err
	}
	l.sendReceipt(ctx, f, p)
	return f, nil
}

// pay applies np to f: payment insert & aggregate update.
func (l *Ledger) pay(ctx context.Context, repo Repository, f Fee, np NewPayment) (Fee, Payment, error) {
	now := NowFunc().UTC()
	date := now
	if np.Date != "" {
		date, _ = time.Parse(DateLayout, np.Date)
	}

	amount := Round(np.Amount)
	f.PaidAmount = Round(f.PaidAmount.Add(amount))
	f.Refresh()
	f.UpdatedAt = now

	p := Payment{
		FeeID:              f.ID,
		Amount:             amount,
		Date:               date,
		Method:             np.Method,
		RemainingDueAmount: f.DueAmount,
	}
	if ref := core.CleanString(np.Reference); ref != "" {
		p.Reference = null.StringFrom(ref)
	}

	p, err := repo.CreatePayment(ctx, p)
	if err != nil {
		return Fee{}, Payment{}, errors.Wrap(err, "creating payment")
	}
	payments := f.Payments
	if f, err = repo.UpdateFee(ctx, f); err != nil {
		return Fee{}, Payment{}, errors.Wrap(err, "updating fee")
	}
	f.Payments = append(payments, p)
	return f, p, nil
}

// ApplyLateFeeIfDue adds the grace fee to the total once the grace period is over.
// The LATE_FEE sentinel payment guards against applying it twice.
func (l *Ledger) ApplyLateFeeIfDue(ctx context.Context, feeID string) (Fee, bool, error) {
	var (
		f       Fee
		applied bool
	)
	err := l.repo.InTx(ctx, func(repo Repository) error {
		var err error
		if f, err = repo.GetFee(ctx, feeID); err != nil {
			return err
		}
		now := NowFunc().UTC()
		if !f.IsLateFeeDue(now) {
			return nil
		}

		f.TotalAmount = Round(f.TotalAmount.Add(f.GraceFeeAmount))
		f.IsLateFeeApplied = true
		f.UpdatedAt = now
		f.Refresh()

		p := Payment{
			FeeID:              f.ID,
			Amount:             f.GraceFeeAmount,
			Date:               now,
			Method:             MethodSystem,
			Reference:          null.StringFrom(LateFeeReference),
			RemainingDueAmount: f.DueAmount,
		}
		if p, err = repo.CreatePayment(ctx, p); err != nil {
			return errors.Wrap(err, "creating late fee payment")
		}
		payments := f.Payments
		if f, err = repo.UpdateFee(ctx, f); err != nil {
			return errors.Wrap(err, "updating fee")
		}
		f.Payments = append(payments, p)
		applied = true
		return nil
	})
	if err != nil {
		return Fee{}, false, err
	}
	if applied {
		l.logger.Info(fmt.Sprintf("fee: late fee of %s applied to fee %s", f.GraceFeeAmount.StringFixed(2), f.ID))
		l.sendLateFeeNotice(ctx, f)
	}
	return f, applied, nil
}

// ApplyLateFees applies the late fee to every fee past its grace period.
// A failing fee does not stop the sweep; the first error is returned.
func (l *Ledger) ApplyLateFees(ctx context.Context) (int, error) {
	fees, err := l.repo.ListFees(ctx, ListFilter{LateFeePending: true})
	if err != nil {
		return 0, errors.Wrap(err, "listing fees")
	}

	var (
		count    int
		firstErr error
	)
	now := NowFunc().UTC()
	for _, f := range fees {
		if !f.IsLateFeeDue(now) {
			continue
		}
		_, applied, err := l.ApplyLateFeeIfDue(ctx, f.ID)
		if err != nil {
			l.logger.Error(fmt.Sprintf("fee: applying late fee to %s: %v", f.ID, err), err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if applied {
			count++
		}
	}
	return count, firstErr
}

func (l *Ledger) Get(ctx context.Context, feeID string) (Fee, error) {
	return l.repo.GetFee(ctx, feeID)
}

func (l *Ledger) ListByStudent(ctx context.Context, studentID string) ([]Fee, error) {
	return l.repo.ListFees(ctx, ListFilter{StudentID: studentID})
}

// notifications

type receiptData struct {
	StudentName string
	Amount      string
	Method      string
	Date        string
	DueAmount   string
}

type lateFeeData struct {
	StudentName string
	Amount      string
	GraceUntil  string
	DueAmount   string
}

func (l *Ledger) recipient(ctx context.Context, studentID string) (student.Student, bool) {
	s, err := l.students.GetStudent(ctx, studentID)
	if err != nil {
		l.logger.Error(fmt.Sprintf("fee: getting student %s for notification: %v", studentID, err), err)
		return student.Student{}, false
	}
	return s, s.Email != ""
}

func (l *Ledger) sendReceipt(ctx context.Context, f Fee, p Payment) {
	s, ok := l.recipient(ctx, f.StudentID)
	if !ok {
		return
	}
	l.mailer.SendMessages(&core.EmailMessage{
		To:           []mail.Address{{Name: s.Name, Address: s.Email}},
		Subject:      "Payment Receipt",
		TemplateName: "payment_receipt",
		TemplateData: receiptData{
			StudentName: s.Name,
			Amount:      p.Amount.StringFixed(2),
			Method:      string(p.Method),
			Date:        p.Date.Format(DateLayout),
			DueAmount:   f.DueAmount.StringFixed(2),
		},
	})
}

func (l *Ledger) sendLateFeeNotice(ctx context.Context, f Fee) {
	s, ok := l.recipient(ctx, f.StudentID)
	if !ok {
		return
	}
	l.mailer.SendMessages(&core.EmailMessage{
		To:           []mail.Address{{Name: s.Name, Address: s.Email}},
		Subject:      "Late Fee Applied",
		TemplateName: "late_fee_notice",
		TemplateData: lateFeeData{
			StudentName: s.Name,
			Amount:      f.GraceFeeAmount.StringFixed(2),
			GraceUntil:  f.GraceUntil().Format(DateLayout),
			DueAmount:   f.DueAmount.StringFixed(2),
		},
	})
}
