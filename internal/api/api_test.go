package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"school-attendance-platform/internal/broadcast"
	"school-attendance-platform/internal/types"
)

type fakeDeviceStore struct {
	devices map[int64]*types.Device
	nextID  int64
}

func newFakeDeviceStore() *fakeDeviceStore {
	return &fakeDeviceStore{devices: make(map[int64]*types.Device), nextID: 1}
}

func (f *fakeDeviceStore) Create(_ context.Context, dev *types.Device) error {
	dev.ID = f.nextID
	f.nextID++
	if dev.Port == 0 {
		dev.Port = 4370
	}
	dev.Status = types.DeviceStatusUnknown
	f.devices[dev.ID] = dev
	return nil
}

func (f *fakeDeviceStore) Get(_ context.Context, tenantID string, id int64) (*types.Device, error) {
	dev, ok := f.devices[id]
	if !ok || dev.TenantID != tenantID {
		return nil, types.ErrDeviceNotFound
	}
	return dev, nil
}

func (f *fakeDeviceStore) ListByTenant(_ context.Context, tenantID string) ([]types.Device, error) {
	var out []types.Device
	for _, dev := range f.devices {
		if dev.TenantID == tenantID {
			out = append(out, *dev)
		}
	}
	return out, nil
}

func (f *fakeDeviceStore) SoftDelete(_ context.Context, tenantID string, id int64) error {
	dev, ok := f.devices[id]
	if !ok || dev.TenantID != tenantID {
		return types.ErrDeviceNotFound
	}
	delete(f.devices, id)
	return nil
}

type fakeStudentStore struct {
	students map[int64]*types.Student
}

func (f *fakeStudentStore) Create(_ context.Context, s *types.Student) error {
	s.ID = int64(len(f.students) + 1)
	f.students[s.ID] = s
	return nil
}

func (f *fakeStudentStore) Get(_ context.Context, tenantID string, id int64) (*types.Student, error) {
	s, ok := f.students[id]
	if !ok || s.TenantID != tenantID {
		return nil, types.ErrStudentNotFound
	}
	return s, nil
}

type fakeAttendanceStore struct {
	records []types.AttendanceRecord
}

func (f *fakeAttendanceStore) ListRecent(_ context.Context, tenantID string, limit int) ([]types.AttendanceRecord, error) {
	var out []types.AttendanceRecord
	for _, rec := range f.records {
		if rec.TenantID == tenantID {
			out = append(out, rec)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type fakeFleet struct {
	info    *types.DeviceInfo
	infoErr error
	test    *types.TestResult
	setTime time.Time
}

func (f *fakeFleet) GetDeviceInfo(_ context.Context, _ string, _ int64) (*types.DeviceInfo, error) {
	return f.info, f.infoErr
}

func (f *fakeFleet) TestDevice(_ context.Context, _ string, _ int64, _ time.Duration) (*types.TestResult, error) {
	return f.test, nil
}

func (f *fakeFleet) SetDeviceTime(_ context.Context, _ string, _ int64, to time.Time) error {
	f.setTime = to
	return nil
}

type fakeEnrollments struct {
	session  *types.EnrollmentSession
	startErr error
	fingers  []int
}

func (f *fakeEnrollments) StartEnrollment(_ context.Context, _ string, _, _ int64, _ int) (*types.EnrollmentSession, error) {
	return f.session, f.startErr
}

func (f *fakeEnrollments) CancelEnrollment(_ context.Context, _ string, _ string) (*types.EnrollmentSession, error) {
	return f.session, nil
}

func (f *fakeEnrollments) ListEnrolledFingers(_ context.Context, _ string, _, _ int64) ([]int, error) {
	return f.fingers, nil
}

func (f *fakeEnrollments) DeleteFingerprint(_ context.Context, _ string, _, _ int64, _ int) error {
	return nil
}

func (f *fakeEnrollments) SyncStudentToDevice(_ context.Context, _ string, _, _ int64) error {
	return nil
}

func (f *fakeEnrollments) CheckStudentOnDevice(_ context.Context, _ string, _, _ int64) (bool, error) {
	return true, nil
}

type fakeIngest struct {
	summary *types.IngestSummary
	err     error
}

func (f *fakeIngest) Ingest(_ context.Context, _ string, _ int64) (*types.IngestSummary, error) {
	return f.summary, f.err
}

type testEnv struct {
	server   *Server
	devices  *fakeDeviceStore
	students *fakeStudentStore
	fleet    *fakeFleet
	enroll   *fakeEnrollments
	ingest   *fakeIngest
}

func newTestEnv(t *testing.T, jwtSecret string) *testEnv {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	env := &testEnv{
		devices:  newFakeDeviceStore(),
		students: &fakeStudentStore{students: make(map[int64]*types.Student)},
		fleet:    &fakeFleet{},
		enroll:   &fakeEnrollments{},
		ingest:   &fakeIngest{},
	}
	handlers := NewHandlers(env.devices, env.students, &fakeAttendanceStore{}, env.fleet, env.enroll, env.ingest, logger)
	cfg := DefaultServerConfig()
	cfg.JWTSecret = jwtSecret
	env.server = NewServer(cfg, handlers, broadcast.NewHub(logger), nil, logger)
	return env
}

func (e *testEnv) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("X-Tenant-ID", "school-1")
	rec := httptest.NewRecorder()
	e.server.Router().ServeHTTP(rec, req)
	return rec
}

func TestHealthUnauthenticated(t *testing.T) {
	env := newTestEnv(t, "")
	req := httptest.NewRequest("GET", "/api/v1/health", nil)
	rec := httptest.NewRecorder()
	env.server.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var body HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body.Status)
}

func TestTenantHeaderRequired(t *testing.T) {
	env := newTestEnv(t, "")
	req := httptest.NewRequest("GET", "/api/v1/devices", nil)
	rec := httptest.NewRecorder()
	env.server.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestJWTAuth(t *testing.T) {
	secret := "super-secret"
	env := newTestEnv(t, secret)

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"tenant_id": "school-1",
	}).SignedString([]byte(secret))
	require.NoError(t, err)

	req := httptest.NewRequest("GET", "/api/v1/devices", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	env.server.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	// A header alone is not enough once a secret is configured.
	req = httptest.NewRequest("GET", "/api/v1/devices", nil)
	req.Header.Set("X-Tenant-ID", "school-1")
	rec = httptest.NewRecorder()
	env.server.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestJWTRejectsWrongKeyAndMissingClaim(t *testing.T) {
	env := newTestEnv(t, "right-key")

	forged, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"tenant_id": "school-1",
	}).SignedString([]byte("wrong-key"))
	require.NoError(t, err)

	req := httptest.NewRequest("GET", "/api/v1/devices", nil)
	req.Header.Set("Authorization", "Bearer "+forged)
	rec := httptest.NewRecorder()
	env.server.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	noTenant, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "someone",
	}).SignedString([]byte("right-key"))
	require.NoError(t, err)

	req = httptest.NewRequest("GET", "/api/v1/devices", nil)
	req.Header.Set("Authorization", "Bearer "+noTenant)
	rec = httptest.NewRecorder()
	env.server.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestDeviceCRUD(t *testing.T) {
	env := newTestEnv(t, "")

	rec := env.do(t, "POST", "/api/v1/devices", CreateDeviceRequest{Name: "Gate A", Host: "10.0.0.5"})
	require.Equal(t, http.StatusCreated, rec.Code)
	var dev types.Device
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &dev))
	assert.Equal(t, "school-1", dev.TenantID)
	assert.Equal(t, 4370, dev.Port)

	rec = env.do(t, "GET", "/api/v1/devices/1", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, "GET", "/api/v1/devices/99", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, "DELETE", "/api/v1/devices/1", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = env.do(t, "GET", "/api/v1/devices", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", rec.Body.String())
}

func TestCreateDeviceValidation(t *testing.T) {
	env := newTestEnv(t, "")
	rec := env.do(t, "POST", "/api/v1/devices", CreateDeviceRequest{Name: "no host"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestOfflineDeviceMapsTo503(t *testing.T) {
	env := newTestEnv(t, "")
	env.ingest.err = types.ErrDeviceOffline

	rec := env.do(t, "POST", "/api/v1/devices/1/ingest", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestOperationalErrorMapsTo503(t *testing.T) {
	env := newTestEnv(t, "")
	env.fleet.infoErr = types.ErrConnectTimeout

	rec := env.do(t, "GET", "/api/v1/devices/1/info", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestEnrollmentConflictMapsTo409(t *testing.T) {
	env := newTestEnv(t, "")
	env.enroll.startErr = types.ErrEnrollmentInProgress

	rec := env.do(t, "POST", "/api/v1/enrollments", StartEnrollmentRequest{StudentID: 1, DeviceID: 1, FingerIndex: 0})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestInvalidFingerIndexMapsTo400(t *testing.T) {
	env := newTestEnv(t, "")
	env.enroll.startErr = types.ErrInvalidFingerIndex

	rec := env.do(t, "POST", "/api/v1/enrollments", StartEnrollmentRequest{StudentID: 1, DeviceID: 1, FingerIndex: 10})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStartEnrollmentAccepted(t *testing.T) {
	env := newTestEnv(t, "")
	env.enroll.session = &types.EnrollmentSession{
		UUID:   "abc-123",
		Status: types.EnrollmentPending,
	}

	rec := env.do(t, "POST", "/api/v1/enrollments", StartEnrollmentRequest{StudentID: 1, DeviceID: 1, FingerIndex: 2})
	require.Equal(t, http.StatusAccepted, rec.Code)
	var session types.EnrollmentSession
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &session))
	assert.Equal(t, "abc-123", session.UUID)
	assert.Equal(t, types.EnrollmentPending, session.Status)
}

func TestIngestReturnsSummary(t *testing.T) {
	env := newTestEnv(t, "")
	env.ingest.summary = &types.IngestSummary{Inserted: 3, Total: 5, Skipped: 2}

	rec := env.do(t, "POST", "/api/v1/devices/1/ingest", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body IngestResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 3, body.Summary.Inserted)
	assert.Equal(t, 5, body.Summary.Total)
}

func TestTestDeviceTimeoutOverride(t *testing.T) {
	env := newTestEnv(t, "")
	env.fleet.test = &types.TestResult{OK: true, Message: "reachable", ResponseMS: 12}

	rec := env.do(t, "POST", "/api/v1/devices/1/test", TestDeviceRequest{TimeoutSeconds: 3})
	require.Equal(t, http.StatusOK, rec.Code)
	var result types.TestResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.True(t, result.OK)
}

func TestEnrolledFingersAndPresence(t *testing.T) {
	env := newTestEnv(t, "")
	env.enroll.fingers = []int{0, 5}

	rec := env.do(t, "GET", "/api/v1/devices/1/students/2/fingers", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var fingers EnrolledFingersResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &fingers))
	assert.Equal(t, []int{0, 5}, fingers.Fingers)

	rec = env.do(t, "GET", "/api/v1/devices/1/students/2/presence", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var presence PresenceResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &presence))
	assert.True(t, presence.Present)
}

func TestSetDeviceTimeDefaultsToNow(t *testing.T) {
	env := newTestEnv(t, "")

	before := time.Now().UTC()
	rec := env.do(t, "PUT", "/api/v1/devices/1/time", SetDeviceTimeRequest{})
	require.Equal(t, http.StatusNoContent, rec.Code)
	assert.False(t, env.fleet.setTime.Before(before))
}
