package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"

	"github.com/go-playground/validator/v10"

	"github.com/ccscampus/campus/core"
	"github.com/ccscampus/campus/core/fee"
	"github.com/ccscampus/campus/core/user"
	"github.com/ccscampus/campus/fs"
	emailsvc "github.com/ccscampus/campus/services/email"
	logsvc "github.com/ccscampus/campus/services/logger"
	"github.com/ccscampus/campus/storage/database"
	sqlxrepos "github.com/ccscampus/campus/storage/database/sqlx"
)

type commandLine struct {
	db       *sql.DB
	usrSvc   *user.Service
	validate *validator.Validate
	ledger   interface {
		ApplyLateFees(ctx context.Context) (int, error)
	}
}

func main() {
	conf := core.NewConfig()
	logger := logsvc.NewRollbarLogger(
		log.New(os.Stdout, "ADMIN : ", log.LstdFlags|log.Lmicroseconds|log.Lshortfile),
		conf,
	)
	logger.Enable(!conf.Debug)

	// set up DB
	if err := database.CreateIfNotExist(conf); err != nil {
		logger.Fatal(fmt.Sprintf("creating database: %v", err), err)
	}
	db, err := database.Open(conf)
	if err != nil {
		logger.Fatal(fmt.Sprintf("opening database: %v", err), err)
	}

	validate := validator.New()
	translator := core.NewTranslator()
	core.InitValidators(validate, translator)
	user.InitValidators(validate, translator)
	fee.InitValidators(validate, translator)

	core.ParseEmailTemplates(appfs.FS, appfs.EmailTemplatesDir, conf.FrontendBaseURL, conf.TestMode, logger)
	var mailSvc core.EmailService
	if conf.Debug {
		// synchronous and silent: the process exits right after the command
		mailSvc = emailsvc.NewConsoleServiceMock(conf, logger)
	} else {
		mailSvc = emailsvc.NewSendgridService(conf, logger)
	}

	// start CLI
	cli := commandLine{
		db:       db.DB,
		usrSvc:   user.NewService(sqlxrepos.NewUserRepository(db)),
		validate: validate,
		ledger:   fee.NewLedger(sqlxrepos.NewFeeRepository(db), sqlxrepos.NewStudentRepository(db), validate, mailSvc, conf, logger),
	}
	err = cli.run(os.Args)
	_ = db.Close()
	if err != nil {
		if err != errHelp {
			if vErr, ok := core.TranslateValidationErrors(err, translator).(*core.ValidationError); ok {
				err = vErr
			}
			fmt.Printf("\nerror: %s\n", err)
		}
		os.Exit(1)
	}
}
