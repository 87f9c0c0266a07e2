package main

import (
	"context"
	"expvar"
	"fmt"
	"log"
	"net/http"
	_ "net/http/pprof" // register the /debug/pprof handlers
	"os"

	"github.com/go-playground/validator/v10"

	echoapi "github.com/ccscampus/campus/apps/api/echo"
	"github.com/ccscampus/campus/core"
	"github.com/ccscampus/campus/core/attendance"
	"github.com/ccscampus/campus/core/fee"
	"github.com/ccscampus/campus/core/student"
	"github.com/ccscampus/campus/core/user"
	"github.com/ccscampus/campus/fs"
	emailsvc "github.com/ccscampus/campus/services/email"
	logsvc "github.com/ccscampus/campus/services/logger"
	"github.com/ccscampus/campus/storage/changefeed"
	"github.com/ccscampus/campus/storage/database"
	dummydb "github.com/ccscampus/campus/storage/database/dummy"
	sqlxrepos "github.com/ccscampus/campus/storage/database/sqlx"
)

// dummyEngine runs the API on the in-memory database.
const dummyEngine = "dummy"

type repositories struct {
	users      user.Repository
	students   student.Repository
	attendance attendance.Store
	fees       fee.Repository
	feed       attendance.ChangeFeed
	close      func() error
}

func main() {
	// =========================================================================
	// Set up Dependencies

	conf := core.NewConfig()

	// set up loggers
	logger := logsvc.NewRollbarLogger(
		log.New(os.Stdout, "API : ", log.LstdFlags|log.Lmicroseconds|log.Lshortfile),
		conf,
	)
	logger.Enable(!conf.Debug)

	dbLogger := logsvc.NewRollbarLogger(
		log.New(os.Stdout, "DB : ", log.LstdFlags|log.Lmicroseconds|log.Lshortfile),
		conf,
	)
	dbLogger.Enable(!conf.Debug)

	// set up DB
	repos, err := setUpRepositories(conf, dbLogger)
	if err != nil {
		logger.Fatal(fmt.Sprintf("setting up database: %v", err), err)
	}
	defer func() {
		if err = repos.close(); err != nil {
			dbLogger.Error(fmt.Sprintf("closing database: %v", err), err)
		}
	}()

	// =========================================================================
	// Initialize App

	logger.Info(fmt.Sprintf("Application initializing : version %q", conf.Build))
	defer logger.Info("Application stopped")

	validate := validator.New()
	translator := core.NewTranslator()
	core.InitValidators(validate, translator)
	user.InitValidators(validate, translator)
	attendance.InitValidators(validate, translator)
	fee.InitValidators(validate, translator)

	core.ParseEmailTemplates(appfs.FS, appfs.EmailTemplatesDir, conf.FrontendBaseURL, conf.TestMode, logger)

	// set up services
	var mailSvc core.EmailService
	if conf.Debug {
		mailSvc = emailsvc.NewConsoleService(conf, logger)
	} else {
		mailSvc = emailsvc.NewSendgridService(conf, logger)
	}
	usrSvc := user.NewService(repos.users)
	attSvc := attendance.NewService(repos.attendance, repos.students, conf, logger)
	notifier := attendance.NewNotifierService(repos.feed, logger)
	defer notifier.Close()
	ledger := fee.NewLedger(repos.fees, repos.students, validate, mailSvc, conf, logger)

	// =========================================================================
	// Start Debug Service
	//
	// /debug/pprof - Added to the default mux by importing the net/http/pprof package.
	// /debug/vars - Added to the default mux by importing the expvar package.

	// Expose important info under /debug/vars.
	expvar.NewString("build").Set(conf.Build)
	expvar.NewString("env").Set(conf.Env)

	go func() {
		if err := http.ListenAndServe(conf.Server.DebugHost, http.DefaultServeMux); err != nil {
			logger.Error(fmt.Sprintf("debug server closed: %v", err), err)
		}
	}()

	// =========================================================================
	// Start Late Fee Sweeper

	sweepCtx, stopSweep := context.WithCancel(context.Background())
	defer stopSweep()
	go sweepLateFees(sweepCtx, ledger, conf.Fees.LateFeeSweepInterval, logger)

	// =========================================================================
	// Start API Service

	server := echoapi.NewServer(
		echoapi.ServerDeps{
			Conf:          conf,
			Logger:        logger,
			UserSvc:       usrSvc,
			AttendanceSvc: attSvc,
			Notifier:      notifier,
			Ledger:        ledger,
			Validate:      validate,
			Translator:    translator,
		},
	)

	go func() {
		server.Start()
	}()

	// =========================================================================
	// Shutdown

	select {
	case err = <-server.Errors():
		logger.Fatal(fmt.Sprintf("server error: %v", err), err)

	case sig := <-server.ShutdownSignal():
		logger.Info(fmt.Sprintf("%v: Start shutdown...", sig))
		stopSweep()

		// give outstanding requests a deadline for completion
		ctx, cancel := context.WithTimeout(context.Background(), conf.Server.ShutdownTimeout)
		defer cancel()

		// asking listener to shutdown and shed load
		if err = server.Shutdown(ctx); err != nil {
			logger.Error(fmt.Sprintf("could not stop server gracefully: %v", err), err)

			if err = server.Close(); err != nil {
				logger.Fatal(fmt.Sprintf("could not force stop server: %v", err), err)
			}
		}
	}
}

func setUpRepositories(conf *core.Config, logger core.Logger) (*repositories, error) {
	if conf.Database.Engine == dummyEngine {
		db, err := dummydb.Open()
		if err != nil {
			return nil, err
		}
		return &repositories{
			users:      dummydb.NewUserRepository(db),
			students:   dummydb.NewStudentRepository(db),
			attendance: dummydb.NewAttendanceRepository(db),
			fees:       dummydb.NewFeeRepository(db),
			feed:       db.Feed(),
			close:      func() error { return nil },
		}, nil
	}

	if err := database.CreateIfNotExist(conf); err != nil {
		return nil, err
	}
	db, err := database.Open(conf)
	if err != nil {
		return nil, err
	}
	if err = database.Migrate(db.DB); err != nil {
		_ = db.Close()
		return nil, err
	}

	feed := changefeed.New(database.URL(conf), logger)
	return &repositories{
		users:      sqlxrepos.NewUserRepository(db),
		students:   sqlxrepos.NewStudentRepository(db),
		attendance: sqlxrepos.NewAttendanceRepository(db),
		fees:       sqlxrepos.NewFeeRepository(db),
		feed:       feed,
		close: func() error {
			feedErr := feed.Close()
			if err := db.Close(); err != nil {
				return err
			}
			return feedErr
		},
	}, nil
}
