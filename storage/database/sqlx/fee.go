package sqlxrepos

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/volatiletech/null/v8"

	"github.com/ccscampus/campus/core"
	"github.com/ccscampus/campus/core/fee"
	"github.com/ccscampus/campus/core/student"
)

type feeRepository struct {
	db   core.DB
	exec core.DBExecutor
	inTx bool
}

var _ fee.Repository = (*feeRepository)(nil) // interface compliance check

func NewFeeRepository(db core.DB) *feeRepository {
	return &feeRepository{db: db, exec: db}
}

type feeRow struct {
	ID               string          `db:"id"`
	StudentID        string          `db:"student_id"`
	TotalAmount      decimal.Decimal `db:"total_amount"`
	PaidAmount       decimal.Decimal `db:"paid_amount"`
	DueDate          time.Time       `db:"due_date"`
	GraceMonth       int             `db:"grace_month"`
	GraceFeeAmount   decimal.Decimal `db:"grace_fee_amount"`
	IsLateFeeApplied bool            `db:"is_late_fee_applied"`
	CreatedAt        time.Time       `db:"created_at"`
	UpdatedAt        time.Time       `db:"updated_at"`
}

type paymentRow struct {
	ID                 string          `db:"id"`
	FeeID              string          `db:"fee_id"`
	Amount             decimal.Decimal `db:"amount"`
	PaymentDate        time.Time       `db:"payment_date"`
	PaymentMethod      string          `db:"payment_method"`
	ReferenceNumber    null.String     `db:"reference_number"`
	RemainingDueAmount decimal.Decimal `db:"remaining_due_amount"`
}

const (
	feeColumns = `id, student_id, total_amount, paid_amount, due_date, grace_month, grace_fee_amount,
		is_late_fee_applied, created_at, updated_at`
	paymentColumns = `id, fee_id, amount, payment_date, payment_method, reference_number, remaining_due_amount`
)

func (row feeRow) fee(payments []fee.Payment) fee.Fee {
	f := fee.Fee{
		ID:               row.ID,
		StudentID:        row.StudentID,
		TotalAmount:      row.TotalAmount,
		PaidAmount:       row.PaidAmount,
		DueDate:          row.DueDate,
		GraceMonth:       row.GraceMonth,
		GraceFeeAmount:   row.GraceFeeAmount,
		IsLateFeeApplied: row.IsLateFeeApplied,
		Payments:         payments,
		CreatedAt:        row.CreatedAt,
		UpdatedAt:        row.UpdatedAt,
	}
	if f.Payments == nil {
		f.Payments = []fee.Payment{}
	}
	f.Refresh()
	return f
}

func (row paymentRow) payment() fee.Payment {
	return fee.Payment{
		ID:                 row.ID,
		FeeID:              row.FeeID,
		Amount:             row.Amount,
		Date:               row.PaymentDate,
		Method:             fee.Method(row.PaymentMethod),
		Reference:          row.ReferenceNumber,
		RemainingDueAmount: row.RemainingDueAmount,
	}
}

// trapNoRowsErr maps psql "no rows" err to fee.ErrNotFound
func (repo feeRepository) trapNoRowsErr(err error, msg string) error {
	if err == sql.ErrNoRows {
		return fee.ErrNotFound
	}
	return errors.Wrap(err, msg)
}

func (repo feeRepository) InTx(ctx context.Context, fn func(repo fee.Repository) error) error {
	if repo.inTx {
		return fn(repo)
	}
	return withTx(ctx, repo.db, func(tx core.DBExecutor) error {
		return fn(feeRepository{db: repo.db, exec: tx, inTx: true})
	})
}

func (repo feeRepository) CreateFee(ctx context.Context, f fee.Fee) (fee.Fee, error) {
	row := feeRow{
		ID:               uuid.New().String(),
		StudentID:        f.StudentID,
		TotalAmount:      f.TotalAmount,
		PaidAmount:       f.PaidAmount,
		DueDate:          f.DueDate,
		GraceMonth:       f.GraceMonth,
		GraceFeeAmount:   f.GraceFeeAmount,
		IsLateFeeApplied: f.IsLateFeeApplied,
		CreatedAt:        f.CreatedAt.UTC(),
		UpdatedAt:        f.UpdatedAt.UTC(),
	}
	q := `INSERT INTO fee (` + feeColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING ` + feeColumns
	err := repo.exec.GetContext(ctx, &row, q,
		row.ID, row.StudentID, row.TotalAmount, row.PaidAmount, row.DueDate.Format(fee.DateLayout),
		row.GraceMonth, row.GraceFeeAmount, row.IsLateFeeApplied, row.CreatedAt, row.UpdatedAt)
	if err != nil {
		if pqCode(err) == foreignKeyViolation {
			return fee.Fee{}, errors.Wrapf(student.ErrNotFound, "student %s", f.StudentID)
		}
		return fee.Fee{}, errors.Wrap(err, "inserting fee")
	}
	return row.fee(nil), nil
}

// GetFee locks the fee row when called inside InTx.
func (repo feeRepository) GetFee(ctx context.Context, id string) (fee.Fee, error) {
	if _, err := uuid.Parse(id); err != nil {
		return fee.Fee{}, fee.ErrNotFound
	}
	q := `SELECT ` + feeColumns + ` FROM fee WHERE id = $1`
	if repo.inTx {
		q += ` FOR UPDATE`
	}
	var row feeRow
	if err := repo.exec.GetContext(ctx, &row, q, id); err != nil {
		return fee.Fee{}, repo.trapNoRowsErr(err, "getting fee")
	}
	payments, err := repo.payments(ctx, id)
	if err != nil {
		return fee.Fee{}, err
	}
	return row.fee(payments[id]), nil
}

// payments returns the payments of the fees, grouped by fee id.
func (repo feeRepository) payments(ctx context.Context, feeIDs ...string) (map[string][]fee.Payment, error) {
	grouped := make(map[string][]fee.Payment, len(feeIDs))
	if len(feeIDs) == 0 {
		return grouped, nil
	}
	var rows []paymentRow
	q := `SELECT ` + paymentColumns + ` FROM payment WHERE fee_id = ANY($1) ORDER BY payment_date, id`
	if err := repo.exec.SelectContext(ctx, &rows, q, pq.Array(feeIDs)); err != nil {
		return nil, errors.Wrap(err, "listing payments")
	}
	for _, row := range rows {
		grouped[row.FeeID] = append(grouped[row.FeeID], row.payment())
	}
	return grouped, nil
}

func (repo feeRepository) ListFees(ctx context.Context, filter fee.ListFilter) ([]fee.Fee, error) {
	q := `SELECT ` + feeColumns + ` FROM fee WHERE TRUE`
	var args []interface{}
	if filter.StudentID != "" {
		if _, err := uuid.Parse(filter.StudentID); err != nil {
			return []fee.Fee{}, nil
		}
		args = append(args, filter.StudentID)
		q += ` AND student_id = $1`
	}
	if filter.LateFeePending {
		q += ` AND NOT is_late_fee_applied AND grace_fee_amount > 0`
	}
	q += orderBy(core.DBOrdering{Field: "due_date", Ascending: true}, core.DBOrdering{Field: "id", Ascending: true})

	var rows []feeRow
	if err := repo.exec.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, errors.Wrap(err, "listing fees")
	}
	ids := make([]string, 0, len(rows))
	for _, row := range rows {
		ids = append(ids, row.ID)
	}
	payments, err := repo.payments(ctx, ids...)
	if err != nil {
		return nil, err
	}
	fees := make([]fee.Fee, 0, len(rows))
	for _, row := range rows {
		fees = append(fees, row.fee(payments[row.ID]))
	}
	return fees, nil
}

func (repo feeRepository) UpdateFee(ctx context.Context, f fee.Fee) (fee.Fee, error) {
	var row feeRow
	q := `UPDATE fee SET total_amount = $1, paid_amount = $2, is_late_fee_applied = $3, updated_at = $4
		WHERE id = $5
		RETURNING ` + feeColumns
	err := repo.exec.GetContext(ctx, &row, q, f.TotalAmount, f.PaidAmount, f.IsLateFeeApplied, f.UpdatedAt.UTC(), f.ID)
	if err != nil {
		return fee.Fee{}, repo.trapNoRowsErr(err, "updating fee")
	}
	return row.fee(nil), nil
}

func (repo feeRepository) CreatePayment(ctx context.Context, p fee.Payment) (fee.Payment, error) {
	row := paymentRow{
		ID:                 uuid.New().String(),
		FeeID:              p.FeeID,
		Amount:             p.Amount,
		PaymentDate:        p.Date.UTC(),
		PaymentMethod:      string(p.Method),
		ReferenceNumber:    p.Reference,
		RemainingDueAmount: p.RemainingDueAmount,
	}
	q := `INSERT INTO payment (` + paymentColumns + `)
		VALUES (:id, :fee_id, :amount, :payment_date, :payment_method, :reference_number, :remaining_due_amount)`
	if _, err := sqlx.NamedExecContext(ctx, repo.exec, q, row); err != nil {
		switch pqCode(err) {
		case foreignKeyViolation:
			return fee.Payment{}, fee.ErrNotFound
		case uniqueViolation:
			return fee.Payment{}, errors.Errorf("fee %s: late fee already applied", p.FeeID)
		}
		return fee.Payment{}, errors.Wrap(err, "inserting payment")
	}
	return row.payment(), nil
}
