// Package dummydb is an in-memory database used by the tests and the demo mode.
package dummydb

import (
	"sync"

	"github.com/ccscampus/campus/core/attendance"
	"github.com/ccscampus/campus/core/fee"
	"github.com/ccscampus/campus/core/student"
	"github.com/ccscampus/campus/core/user"
)

type (
	DB struct {
		user       *userTable
		student    *studentTable
		attendance *attendanceTable
		fee        *feeTable
		feed       *ChangeFeed
	}

	userTable struct {
		sync.RWMutex
		table map[string]*user.User
	}

	studentTable struct {
		sync.RWMutex
		table map[string]*student.Student
	}

	attendanceTable struct {
		sync.RWMutex
		table map[attendance.Key]*attendance.Record
	}

	feeTable struct {
		sync.Mutex
		fees     map[string]*fee.Fee
		payments map[string][]fee.Payment // {feeID: payments}
	}
)

func Open() (*DB, error) {
	db := &DB{
		user:       &userTable{table: make(map[string]*user.User)},
		student:    &studentTable{table: make(map[string]*student.Student)},
		attendance: &attendanceTable{table: make(map[attendance.Key]*attendance.Record)},
		fee: &feeTable{
			fees:     make(map[string]*fee.Fee),
			payments: make(map[string][]fee.Payment),
		},
		feed: newChangeFeed(),
	}
	return db, nil
}

// Feed returns the change feed publishing the attendance writes of db.
func (db *DB) Feed() *ChangeFeed {
	return db.feed
}
