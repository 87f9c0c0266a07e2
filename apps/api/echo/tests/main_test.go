package tests

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"reflect"
	"testing"

	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/require"

	echoapi "github.com/ccscampus/campus/apps/api/echo"
	"github.com/ccscampus/campus/core"
	"github.com/ccscampus/campus/core/attendance"
	"github.com/ccscampus/campus/core/fee"
	"github.com/ccscampus/campus/core/student"
	"github.com/ccscampus/campus/core/user"
	emailsvc "github.com/ccscampus/campus/services/email"
	dummydb "github.com/ccscampus/campus/storage/database/dummy"
	"github.com/ccscampus/campus/tests"
)

var (
	conf       *core.Config
	validate   *validator.Validate
	translator ut.Translator

	errMissingToken = httpErr{Error: "missing or malformed jwt"}
	errForbidden    = httpErr{Error: "permission denied"}
)

func TestMain(m *testing.M) {
	conf = testutil.NewConfig()
	validate = validator.New()
	translator = core.NewTranslator()
	core.InitValidators(validate, translator)
	user.InitValidators(validate, translator)
	attendance.InitValidators(validate, translator)
	fee.InitValidators(validate, translator)

	os.Exit(m.Run())
}

// testApp is a server backed by its own in-memory database.
type testApp struct {
	*echoapi.Server
	usrRepo  user.Repository
	students student.Repository
	notifier *attendance.NotifierService

	admin   user.User
	teacher user.User
	alice   student.Student
	bob     student.Student
}

// newTestApp builds the app; wrap decorates the attendance store.
func newTestApp(t *testing.T, wrap ...func(attendance.Store) attendance.Store) *testApp {
	db, err := dummydb.Open()
	require.NoError(t, err)

	logger := testutil.NewLogger(conf)
	usrRepo := dummydb.NewUserRepository(db)
	students := dummydb.NewStudentRepository(db)
	store := dummydb.NewAttendanceRepository(db)
	for _, w := range wrap {
		store = w(store)
	}
	attendanceSvc := attendance.NewService(store, students, conf, logger)
	notifier := attendance.NewNotifierService(db.Feed(), logger)
	ledger := fee.NewLedger(dummydb.NewFeeRepository(db), students, validate, emailsvc.NewConsoleServiceMock(conf, logger), conf, logger)

	app := &testApp{
		Server: echoapi.NewServer(echoapi.ServerDeps{
			Conf:           conf,
			Logger:         logger,
			UserSvc:        user.NewService(usrRepo),
			AttendanceSvc:  attendanceSvc,
			Notifier:       notifier,
			Ledger:         ledger,
			Validate:       validate,
			Translator:     translator,
			DisableReqLogs: true,
		}),
		usrRepo:  usrRepo,
		students: students,
		notifier: notifier,
	}
	app.admin = testutil.CreateUser(t, usrRepo, "Admin", "admin@test.cd", "Tr0ub4dor&3", user.RoleAdmin, true)
	app.teacher = testutil.CreateUser(t, usrRepo, "Teacher", "teacher@test.cd", "Tr0ub4dor&3", user.RoleTeacher, true)
	app.alice = testutil.CreateStudent(t, students, "Alice", "alice@test.cd", true)
	app.bob = testutil.CreateStudent(t, students, "Bob", "bob@test.cd", true)
	t.Cleanup(func() { notifier.Close() })
	return app
}

func (app *testApp) token(t *testing.T, usr user.User) string {
	token, err := app.Tokens().Generate(app.Tokens().Claims(usr))
	if err != nil {
		t.Fatalf("token(): %v", err)
	}
	return token
}

func (app *testApp) do(req *http.Request, rec *httptest.ResponseRecorder) *httptest.ResponseRecorder {
	app.ServeHTTP(rec, req)
	return rec
}

type httpErr struct {
	Error string `json:"error"`
}

type httpTest struct {
	name     string
	method   string
	path     string
	body     []byte
	token    string
	wantCode int
	wantData []byte
}

func newAuthRequest(method, path, token string, data ...[]byte) (*http.Request, *httptest.ResponseRecorder) {
	var body bytes.Buffer
	if len(data) > 0 {
		body.Write(data[0])
	}
	req := httptest.NewRequest(method, path, &body)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	return req, rec
}

func newRequest(method, path string, data ...[]byte) (*http.Request, *httptest.ResponseRecorder) {
	return newAuthRequest(method, path, "", data...)
}

func marshallObj(t *testing.T, obj interface{}) []byte {
	data, err := json.Marshal(obj)
	if err != nil {
		t.Fatalf("marshallObj(): %v", err)
	}
	return data
}

func unmarshall(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("unmarshall(%s): %v", rec.Body.String(), err)
	}
}

func jsonBytesEqual(b1, b2 []byte) (bool, error) {
	var j1, j2 interface{}
	if err := json.Unmarshal(b1, &j1); err != nil {
		return false, err
	}
	if err := json.Unmarshal(b2, &j2); err != nil {
		return false, err
	}
	return reflect.DeepEqual(j1, j2), nil
}

func checkCode(t *testing.T, tt httpTest, rec *httptest.ResponseRecorder) {
	if rec.Code != tt.wantCode {
		t.Errorf("failed! code = %v; wantCode %v; body %s", rec.Code, tt.wantCode, rec.Body.String())
	}
}

func checkCodeAndData(t *testing.T, tt httpTest, rec *httptest.ResponseRecorder) {
	checkCode(t, tt, rec)
	if tt.wantData == nil {
		return
	}
	ok, err := jsonBytesEqual(rec.Body.Bytes(), tt.wantData)
	if err != nil {
		t.Errorf("jsonBytesEqual() failed to compare; err %v", err)
	}
	if !ok {
		t.Errorf("failed! data = %v; wantData %v", rec.Body.String(), string(tt.wantData))
	}
}

func runHTTPTests(t *testing.T, app *testApp, tests []httpTest) {
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			method := tt.method
			if method == "" {
				method = http.MethodGet
			}
			req, rec := newAuthRequest(method, tt.path, tt.token, tt.body)
			checkCodeAndData(t, tt, app.do(req, rec))
		})
	}
}
