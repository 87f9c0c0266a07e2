package main

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"strconv"
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ccscampus/campus/core"
	"github.com/ccscampus/campus/core/user"
	dummydb "github.com/ccscampus/campus/storage/database/dummy"
	"github.com/ccscampus/campus/tests"
)

var usrRepo user.Repository

type stubLedger struct {
	applied int
	err     error
}

func (l *stubLedger) ApplyLateFees(context.Context) (int, error) {
	return l.applied, l.err
}

func setup(t *testing.T) *commandLine {
	db, err := dummydb.Open()
	require.NoError(t, err)
	usrRepo = dummydb.NewUserRepository(db)

	// start CLI
	return &commandLine{
		usrSvc:   user.NewService(usrRepo),
		validate: testutil.NewValidator(),
		ledger:   &stubLedger{applied: 2},
	}
}

type cliTest struct {
	name       string
	args       []string // without program name
	wantErr    error
	wantErrStr string
	extra      interface{}
}

func Test_commandLine_migrate(t *testing.T) {
	cli := setup(t)

	gooseRunFunc = func(command string, db *sql.DB, fsys fs.FS, dir string, args ...string) error {
		switch command {
		case "up", "up-by-one", "down", "fix", "redo", "reset", "status", "version": // pass
		case "up-to":
			if len(args) == 0 {
				return fmt.Errorf("up-to must be of form: goose [OPTIONS] DRIVER DBSTRING up-to VERSION")
			}
			if _, err := strconv.ParseInt(args[0], 10, 64); err != nil {
				return fmt.Errorf("version must be a number (got '%s')", args[0])
			}
		case "create":
			if len(args) == 0 {
				return fmt.Errorf("create must be of form: goose [OPTIONS] DRIVER DBSTRING create NAME [go|sql]")
			}
		case "down-to":
			if len(args) == 0 {
				return fmt.Errorf("down-to must be of form: goose [OPTIONS] DRIVER DBSTRING down-to VERSION")
			}
			if _, err := strconv.ParseInt(args[0], 10, 64); err != nil {
				return fmt.Errorf("version must be a number (got '%s')", args[0])
			}
		default:
			return fmt.Errorf("%q: no such command", command)
		}
		return nil
	}

	tests := []cliTest{
		{name: "no subcommand", args: []string{"migrate"}, wantErr: errHelp},
		{name: "unknown subcommand", args: []string{"migrate", "lol"}, wantErrStr: "\"lol\": no such command"},
		{name: "up-to: no args", args: []string{"migrate", "up-to"}, wantErrStr: "up-to must be of form: goose [OPTIONS] DRIVER DBSTRING up-to VERSION"},
		{name: "up-to: non-int arg", args: []string{"migrate", "up-to", "lol"}, wantErrStr: "version must be a number (got 'lol')"},
		{name: "down-to: non-int arg", args: []string{"migrate", "down-to", "lol"}, wantErrStr: "version must be a number (got 'lol')"},
		{name: "up", args: []string{"migrate", "up"}},
		{name: "up-to", args: []string{"migrate", "up-to", "2"}},
		{name: "down-to", args: []string{"migrate", "down-to", "1"}},
		{name: "status", args: []string{"migrate", "status"}},
		{name: "create", args: []string{"migrate", "create", "guardian", "sql"}},
	}
	for _, tt := range tests {
		args := append([]string{"admin"}, tt.args...)

		t.Run(tt.name, func(t *testing.T) {
			err := cli.run(args)
			switch {
			case tt.wantErr != nil:
				assert.Equal(t, tt.wantErr, err)
			case tt.wantErrStr != "":
				if assert.Error(t, err) {
					assert.Equal(t, tt.wantErrStr, err.Error())
				}
			default:
				assert.NoError(t, err)
			}
		})
	}
}

func Test_commandLine_addUser(t *testing.T) {
	cli := setup(t)
	testutil.CreateUser(t, usrRepo, "Taken", "taken@test.cd", "", user.RoleTeacher, true)

	type extra struct {
		pwd string
	}
	tests := []struct {
		cliTest
		wantRole user.Role
		email    string
	}{
		{cliTest: cliTest{name: "no args", args: []string{"adduser"}, wantErr: errHelp}},
		{cliTest: cliTest{name: "email but no name", args: []string{"adduser", "-email", "new@test.cd"}, wantErr: errHelp}},
		{cliTest: cliTest{name: "no password", args: []string{"adduser", "-email", "new@test.cd", "-name", "New"}, wantErr: errHelp}},
		{cliTest: cliTest{name: "weak password", args: []string{"adduser", "-email", "weak@test.cd", "-name", "Weak"}, extra: extra{pwd: "password"}, wantErrStr: "invalid"}},
		{cliTest: cliTest{name: "email taken", args: []string{"adduser", "-email", "taken@test.cd", "-name", "Taken"}, extra: extra{pwd: "Tr0ub4dor&3"}, wantErrStr: "invalid"}},
		{
			cliTest:  cliTest{name: "teacher", args: []string{"adduser", "-email", "Teacher@test.cd", "-name", "Teacher"}, extra: extra{pwd: "Tr0ub4dor&3"}},
			wantRole: user.RoleTeacher,
			email:    "teacher@test.cd",
		},
		{
			cliTest:  cliTest{name: "admin", args: []string{"adduser", "-email", "admin@test.cd", "-name", "Admin", "-admin"}, extra: extra{pwd: "Tr0ub4dor&3"}},
			wantRole: user.RoleAdmin,
			email:    "admin@test.cd",
		},
	}
	for _, tt := range tests {
		tt := tt
		args := append([]string{"admin"}, tt.args...)

		t.Run(tt.name, func(t *testing.T) {
			readPasswordFunc = func(fd int) ([]byte, error) {
				if extra, ok := tt.extra.(extra); ok {
					return []byte(extra.pwd), nil
				}
				return nil, nil
			}

			err := cli.run(args)
			switch {
			case tt.wantErr != nil:
				assert.Equal(t, tt.wantErr, err)
			case tt.wantErrStr != "":
				var (
					vErr  *core.ValidationError
					vErrs validator.ValidationErrors
				)
				assert.True(t, errors.As(err, &vErr) || errors.As(err, &vErrs), "got %v", err)
			default:
				require.NoError(t, err)
				usr, err := usrRepo.GetUser(context.Background(), user.GetFilter{Email: tt.email})
				require.NoError(t, err)
				assert.Equal(t, tt.wantRole, usr.Role)
				assert.True(t, usr.IsActive)
				assert.NoError(t, usr.CheckPassword("Tr0ub4dor&3"))
			}
		})
	}
}

func Test_commandLine_resetPassword(t *testing.T) {
	cli := setup(t)

	usr := testutil.CreateUser(t, usrRepo, "User", "awe@test.cd", "Old-pa55word", user.RoleTeacher, true)

	type extra struct {
		pwd string
	}
	tests := []cliTest{
		{name: "no command", wantErr: errHelp},
		{name: "unknown command", args: []string{"lol"}, wantErr: errHelp},
		{name: "no args", args: []string{"resetpassword"}, wantErr: errHelp},
		{name: "email but no password", args: []string{"resetpassword", "-email", "lol@test.cd"}, wantErr: errHelp},
		{name: "user not found", args: []string{"resetpassword", "-email", "lol@test.cd"}, extra: extra{pwd: "N3w-pa55word"}, wantErr: user.ErrNotFound},
		{name: "reset", args: []string{"resetpassword", "-email", usr.Email}, extra: extra{pwd: "N3w-pa55word"}},
	}
	for _, tt := range tests {
		tt := tt
		args := append([]string{"admin"}, tt.args...)

		t.Run(tt.name, func(t *testing.T) {
			readPasswordFunc = func(fd int) ([]byte, error) {
				if extra, ok := tt.extra.(extra); ok {
					return []byte(extra.pwd), nil
				}
				return nil, nil
			}

			err := cli.run(args)
			if tt.wantErr != nil {
				assert.True(t, errors.Is(err, tt.wantErr), "cli.run() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			refreshedUsr, err := usrRepo.GetUser(context.Background(), user.GetFilter{ID: usr.ID})
			require.NoError(t, err)
			assert.False(t, bytes.Equal(refreshedUsr.PasswordHash, usr.PasswordHash), "failed to update new password")
			assert.NoError(t, refreshedUsr.CheckPassword("N3w-pa55word"))
		})
	}
}

func Test_commandLine_applyLateFees(t *testing.T) {
	cli := setup(t)
	assert.NoError(t, cli.run([]string{"admin", "applylatefees"}))

	cli.ledger = &stubLedger{err: errors.New("boom")}
	assert.EqualError(t, cli.run([]string{"admin", "applylatefees"}), "boom")
}
