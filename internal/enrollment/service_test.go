package enrollment

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"school-attendance-platform/internal/broadcast"
	"school-attendance-platform/internal/device"
	"school-attendance-platform/internal/types"
)

type fakeDeviceRepo struct {
	dev *types.Device
}

func (r *fakeDeviceRepo) Get(ctx context.Context, tenantID string, id int64) (*types.Device, error) {
	if r.dev == nil || r.dev.ID != id {
		return nil, types.ErrDeviceNotFound
	}
	dev := *r.dev
	return &dev, nil
}

type fakeStudentRepo struct {
	student *types.Student
}

func (r *fakeStudentRepo) Get(ctx context.Context, tenantID string, id int64) (*types.Student, error) {
	if r.student == nil || r.student.ID != id {
		return nil, types.ErrStudentNotFound
	}
	st := *r.student
	return &st, nil
}

type fakeSessionRepo struct {
	mu      sync.Mutex
	nextID  int64
	rows    map[int64]*types.EnrollmentSession
	active  bool
	fingers []int
}

func newFakeSessionRepo() *fakeSessionRepo {
	return &fakeSessionRepo{rows: make(map[int64]*types.EnrollmentSession)}
}

func (r *fakeSessionRepo) Create(ctx context.Context, session *types.EnrollmentSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	session.ID = r.nextID
	cp := *session
	r.rows[session.ID] = &cp
	return nil
}

func (r *fakeSessionRepo) GetByUUID(ctx context.Context, tenantID, sessionUUID string) (*types.EnrollmentSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, row := range r.rows {
		if row.UUID == sessionUUID && row.TenantID == tenantID {
			cp := *row
			return &cp, nil
		}
	}
	return nil, types.ErrEnrollmentNotFound
}

func (r *fakeSessionRepo) UpdateStatus(ctx context.Context, id int64, status types.EnrollmentStatus, errMsg string, completedAt *time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	row := r.rows[id]
	row.Status = status
	row.Error = errMsg
	row.CompletedAt = completedAt
	return nil
}

func (r *fakeSessionRepo) SetResult(ctx context.Context, id int64, sealedTemplate []byte, quality int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	row := r.rows[id]
	row.SealedTemplate = sealedTemplate
	row.Quality = quality
	return nil
}

func (r *fakeSessionRepo) HasActive(ctx context.Context, deviceID int64, fingerIndex int) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active, nil
}

func (r *fakeSessionRepo) EnrolledFingerIndices(ctx context.Context, tenantID string, studentID, deviceID int64) ([]int, error) {
	return r.fingers, nil
}

func (r *fakeSessionRepo) statusOf(id int64) types.EnrollmentStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rows[id].Status
}

func (r *fakeSessionRepo) row(id int64) types.EnrollmentSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	return *r.rows[id]
}

type fakeTemplateRepo struct {
	mu      sync.Mutex
	created []*types.FingerprintTemplate
	deleted int
}

func (r *fakeTemplateRepo) Create(ctx context.Context, tpl *types.FingerprintTemplate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.created = append(r.created, tpl)
	return nil
}

func (r *fakeTemplateRepo) SoftDelete(ctx context.Context, tenantID string, studentID, deviceID int64, fingerIndex int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deleted++
	return nil
}

type fakeProvider struct {
	client device.Client
	err    error
}

func (p *fakeProvider) Acquire(ctx context.Context, dev types.Device) (device.Client, func(), error) {
	if p.err != nil {
		return nil, nil, p.err
	}
	return p.client, func() {}, nil
}

// prefixSealer marks bytes instead of encrypting them.
type prefixSealer struct{}

func (prefixSealer) Seal(plain []byte) ([]byte, error) {
	return append([]byte("sealed:"), plain...), nil
}

func (prefixSealer) Open(sealed []byte) ([]byte, error) {
	return sealed[len("sealed:"):], nil
}

type progressSink struct {
	mu     sync.Mutex
	events []broadcast.EnrollmentProgressEvent
}

func (s *progressSink) Send(event interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ev, ok := event.(broadcast.EnrollmentProgressEvent); ok {
		s.events = append(s.events, ev)
	}
	return nil
}

func (s *progressSink) all() []broadcast.EnrollmentProgressEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]broadcast.EnrollmentProgressEvent, len(s.events))
	copy(out, s.events)
	return out
}

type serviceFixture struct {
	svc      *Service
	devices  *fakeDeviceRepo
	students *fakeStudentRepo
	rows     *fakeSessionRepo
	tpls     *fakeTemplateRepo
	client   *scriptedClient
	sink     *progressSink
}

func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	f := &serviceFixture{
		devices:  &fakeDeviceRepo{dev: &types.Device{ID: 3, TenantID: "tenant-a", Name: "Lab", Status: types.DeviceStatusOnline}},
		students: &fakeStudentRepo{student: &types.Student{ID: 7, TenantID: "tenant-a", FullName: "Asha Mwangi"}},
		rows:     newFakeSessionRepo(),
		tpls:     &fakeTemplateRepo{},
		client:   &scriptedClient{frames: happyFrames(), template: []byte{0xAA}},
		sink:     &progressSink{},
	}
	hub := broadcast.NewHub(logger)
	hub.Subscribe(broadcast.ChannelEnrollmentProgress, "tenant-a", f.sink)
	f.svc = NewService(f.devices, f.students, &fakeProvider{client: f.client}, f.rows, f.tpls, prefixSealer{}, hub, logger)
	return f
}

func TestStartEnrollmentHappyPath(t *testing.T) {
	f := newServiceFixture(t)

	session, err := f.svc.StartEnrollment(context.Background(), "tenant-a", 7, 3, 1)
	require.NoError(t, err)
	assert.Equal(t, types.EnrollmentPending, session.Status)
	assert.NotEmpty(t, session.UUID)

	require.Eventually(t, func() bool {
		return f.rows.statusOf(session.ID).Terminal()
	}, 2*time.Second, 10*time.Millisecond)

	row := f.rows.row(session.ID)
	assert.Equal(t, types.EnrollmentCompleted, row.Status)
	assert.Equal(t, []byte("sealed:\xaa"), row.SealedTemplate)
	assert.Equal(t, 512, row.Quality)
	require.NotNil(t, row.CompletedAt)

	require.Len(t, f.tpls.created, 1)
	assert.Equal(t, int64(7), f.tpls.created[0].StudentID)

	// {0 ready}, then {33 placing, 66 processing} per press, then the
	// single terminal complete.
	require.Eventually(t, func() bool { return len(f.sink.all()) == 8 }, 2*time.Second, 10*time.Millisecond)
	events := f.sink.all()
	wantProgress := []int{0, 33, 66, 33, 66, 33, 66, 100}
	for i, ev := range events {
		assert.Equal(t, wantProgress[i], ev.Progress)
		assert.Equal(t, session.UUID, ev.SessionID)
	}
	assert.Equal(t, broadcast.EnrollmentEventComplete, events[7].Type)
	assert.Equal(t, 512, events[7].QualityScore)

	// Device was parked during capture and released after.
	assert.Equal(t, 1, f.client.disableCalls)
	assert.Equal(t, 1, f.client.enableCalls)
}

func TestStartEnrollmentRejectsBusyFinger(t *testing.T) {
	f := newServiceFixture(t)
	f.rows.active = true

	_, err := f.svc.StartEnrollment(context.Background(), "tenant-a", 7, 3, 1)
	assert.ErrorIs(t, err, types.ErrEnrollmentInProgress)
}

func TestStartEnrollmentRejectsOfflineDevice(t *testing.T) {
	f := newServiceFixture(t)
	f.devices.dev.Status = types.DeviceStatusOffline

	_, err := f.svc.StartEnrollment(context.Background(), "tenant-a", 7, 3, 1)
	assert.ErrorIs(t, err, types.ErrDeviceOffline)
}

func TestStartEnrollmentRejectsOutOfRangeFinger(t *testing.T) {
	f := newServiceFixture(t)

	for _, finger := range []int{-1, 10, 255} {
		_, err := f.svc.StartEnrollment(context.Background(), "tenant-a", 7, 3, finger)
		assert.ErrorIs(t, err, types.ErrInvalidFingerIndex, "finger %d", finger)
	}
}

func TestDeleteFingerprintRejectsOutOfRangeFinger(t *testing.T) {
	f := newServiceFixture(t)

	err := f.svc.DeleteFingerprint(context.Background(), "tenant-a", 3, 7, 10)
	assert.ErrorIs(t, err, types.ErrInvalidFingerIndex)
}

func TestStartEnrollmentRejectsUnknownStudent(t *testing.T) {
	f := newServiceFixture(t)

	_, err := f.svc.StartEnrollment(context.Background(), "tenant-a", 999, 3, 1)
	assert.ErrorIs(t, err, types.ErrStudentNotFound)
}

func TestStartEnrollmentUnreachableDeviceFailsSession(t *testing.T) {
	f := newServiceFixture(t)
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	hub := broadcast.NewHub(logger)
	hub.Subscribe(broadcast.ChannelEnrollmentProgress, "tenant-a", f.sink)
	f.svc = NewService(f.devices, f.students, &fakeProvider{err: types.ErrConnectTimeout}, f.rows, f.tpls, prefixSealer{}, hub, logger)

	session, err := f.svc.StartEnrollment(context.Background(), "tenant-a", 7, 3, 1)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return f.rows.statusOf(session.ID) == types.EnrollmentFailed
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "device unreachable", f.rows.row(session.ID).Error)

	require.Eventually(t, func() bool { return len(f.sink.all()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, broadcast.EnrollmentEventError, f.sink.all()[0].Type)
}

func TestCancelEnrollmentUnknownSession(t *testing.T) {
	f := newServiceFixture(t)

	_, err := f.svc.CancelEnrollment(context.Background(), "tenant-a", "no-such-uuid")
	assert.ErrorIs(t, err, types.ErrEnrollmentNotFound)
}

func TestCancelEnrollmentBeforeStart(t *testing.T) {
	f := newServiceFixture(t)
	row := &types.EnrollmentSession{
		UUID: "pending-uuid", TenantID: "tenant-a", StudentID: 7, DeviceID: 3,
		FingerIndex: 1, Status: types.EnrollmentPending, StartedAt: time.Now().UTC(),
	}
	require.NoError(t, f.rows.Create(context.Background(), row))

	session, err := f.svc.CancelEnrollment(context.Background(), "tenant-a", "pending-uuid")
	require.NoError(t, err)

	assert.Equal(t, types.EnrollmentCancelled, session.Status)
	assert.Equal(t, types.EnrollmentCancelled, f.rows.statusOf(row.ID))
	events := f.sink.all()
	require.Len(t, events, 1)
	assert.Equal(t, broadcast.EnrollmentEventCancelled, events[0].Type)
}

func TestCancelEnrollmentTerminalIsNoop(t *testing.T) {
	f := newServiceFixture(t)
	row := &types.EnrollmentSession{
		UUID: "done-uuid", TenantID: "tenant-a", Status: types.EnrollmentCompleted,
	}
	require.NoError(t, f.rows.Create(context.Background(), row))

	session, err := f.svc.CancelEnrollment(context.Background(), "tenant-a", "done-uuid")
	require.NoError(t, err)
	assert.Equal(t, types.EnrollmentCompleted, session.Status)
	assert.Empty(t, f.sink.all())
}

func TestListEnrolledFingers(t *testing.T) {
	f := newServiceFixture(t)
	f.rows.fingers = []int{1, 3}

	fingers, err := f.svc.ListEnrolledFingers(context.Background(), "tenant-a", 3, 7)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 3}, fingers)
}

func TestDeleteFingerprint(t *testing.T) {
	f := newServiceFixture(t)

	err := f.svc.DeleteFingerprint(context.Background(), "tenant-a", 3, 7, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, f.tpls.deleted)
}

func TestCheckStudentOnDevice(t *testing.T) {
	f := newServiceFixture(t)
	f.client.mu.Lock()
	f.client.frames = nil
	f.client.mu.Unlock()

	on, err := f.svc.CheckStudentOnDevice(context.Background(), "tenant-a", 7, 3)
	require.NoError(t, err)
	assert.False(t, on, "scripted client reports no users")
}
