package main

import (
	"context"

	"github.com/ccscampus/campus/core/user"
)

// addUser creates an active user.User, a teacher unless isAdmin.
func (cli *commandLine) addUser(ctx context.Context, name, email, pwd string, isAdmin bool) error {
	nu := user.NewUser{
		Name:            name,
		Email:           email,
		Role:            user.RoleTeacher,
		Password:        pwd,
		PasswordConfirm: pwd,
	}
	if isAdmin {
		nu.Role = user.RoleAdmin
	}
	if err := nu.Validate(cli.validate, cli.usrSvc); err != nil {
		return err
	}
	_, err := cli.usrSvc.Create(ctx, nu)
	return err
}
