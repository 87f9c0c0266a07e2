package main

import (
	"context"

	"github.com/ccscampus/campus/core/user"
)

func (cli *commandLine) resetPassword(ctx context.Context, email, pwd string) error {
	sp := user.SetUserPassword{Email: email, Password: pwd, PasswordConfirm: pwd}
	if err := sp.Validate(cli.validate); err != nil {
		return err
	}
	return cli.usrSvc.SetPassword(ctx, sp)
}
