package dummydb

import (
	"context"
	"sort"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/ccscampus/campus/core/fee"
	"github.com/ccscampus/campus/core/student"
)

type feeRepository struct {
	db       *feeTable
	students *studentTable
	inTx     bool // the table lock is held by InTx
}

var _ fee.Repository = (*feeRepository)(nil) // interface compliance check

func NewFeeRepository(db *DB) fee.Repository {
	return &feeRepository{db: db.fee, students: db.student}
}

// InTx holds the fee table for the whole of fn and restores it when fn fails.
func (repo *feeRepository) InTx(ctx context.Context, fn func(repo fee.Repository) error) error {
	if repo.inTx {
		return fn(repo)
	}

	repo.db.Lock()
	defer repo.db.Unlock()

	fees, payments := repo.db.snapshot()
	if err := fn(&feeRepository{db: repo.db, students: repo.students, inTx: true}); err != nil {
		repo.db.fees, repo.db.payments = fees, payments
		return err
	}
	return nil
}

func (t *feeTable) snapshot() (map[string]*fee.Fee, map[string][]fee.Payment) {
	fees := make(map[string]*fee.Fee, len(t.fees))
	for id, f := range t.fees {
		c := *f
		fees[id] = &c
	}
	payments := make(map[string][]fee.Payment, len(t.payments))
	for id, ps := range t.payments {
		payments[id] = append([]fee.Payment(nil), ps...)
	}
	return fees, payments
}

func (repo *feeRepository) lock() func() {
	if repo.inTx {
		return func() {}
	}
	repo.db.Lock()
	return repo.db.Unlock
}

func (repo *feeRepository) CreateFee(_ context.Context, f fee.Fee) (fee.Fee, error) {
	repo.students.RLock()
	_, ok := repo.students.table[f.StudentID]
	repo.students.RUnlock()
	if !ok {
		return fee.Fee{}, errors.Wrapf(student.ErrNotFound, "student %s", f.StudentID)
	}

	defer repo.lock()()

	f.ID = uuid.New().String()
	f.Payments = nil
	repo.db.fees[f.ID] = &f
	return repo.db.get(f.ID), nil
}

func (repo *feeRepository) GetFee(_ context.Context, id string) (fee.Fee, error) {
	defer repo.lock()()

	if _, ok := repo.db.fees[id]; !ok {
		return fee.Fee{}, fee.ErrNotFound
	}
	return repo.db.get(id), nil
}

// get returns a copy of the fee with its payments. Callers hold the lock.
func (t *feeTable) get(id string) fee.Fee {
	f := *t.fees[id]
	f.Payments = append([]fee.Payment{}, t.payments[id]...)
	f.Refresh()
	return f
}

func (repo *feeRepository) ListFees(_ context.Context, filter fee.ListFilter) ([]fee.Fee, error) {
	defer repo.lock()()

	fees := make([]fee.Fee, 0)
	for id, f := range repo.db.fees {
		if filter.StudentID != "" && f.StudentID != filter.StudentID {
			continue
		}
		if filter.LateFeePending && (f.IsLateFeeApplied || !f.GraceFeeAmount.IsPositive()) {
			continue
		}
		fees = append(fees, repo.db.get(id))
	}
	sort.Slice(fees, func(i, j int) bool {
		if !fees[i].DueDate.Equal(fees[j].DueDate) {
			return fees[i].DueDate.Before(fees[j].DueDate)
		}
		return fees[i].ID < fees[j].ID
	})
	return fees, nil
}

func (repo *feeRepository) UpdateFee(_ context.Context, f fee.Fee) (fee.Fee, error) {
	defer repo.lock()()

	orig, ok := repo.db.fees[f.ID]
	if !ok {
		return fee.Fee{}, fee.ErrNotFound
	}
	orig.TotalAmount = f.TotalAmount
	orig.PaidAmount = f.PaidAmount
	orig.IsLateFeeApplied = f.IsLateFeeApplied
	orig.UpdatedAt = f.UpdatedAt
	return repo.db.get(f.ID), nil
}

func (repo *feeRepository) CreatePayment(_ context.Context, p fee.Payment) (fee.Payment, error) {
	defer repo.lock()()

	if _, ok := repo.db.fees[p.FeeID]; !ok {
		return fee.Payment{}, fee.ErrNotFound
	}
	if p.IsLateFeeSentinel() {
		for _, existing := range repo.db.payments[p.FeeID] {
			if existing.IsLateFeeSentinel() {
				return fee.Payment{}, errors.Errorf("fee %s: late fee already applied", p.FeeID)
			}
		}
	}
	p.ID = uuid.New().String()
	repo.db.payments[p.FeeID] = append(repo.db.payments[p.FeeID], p)
	return p, nil
}
