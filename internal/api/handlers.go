package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"school-attendance-platform/internal/types"
)

// EnrollmentService is the enrollment surface the ingress exposes.
type EnrollmentService interface {
	StartEnrollment(ctx context.Context, tenantID string, studentID, deviceID int64, fingerIndex int) (*types.EnrollmentSession, error)
	CancelEnrollment(ctx context.Context, tenantID, sessionUUID string) (*types.EnrollmentSession, error)
	ListEnrolledFingers(ctx context.Context, tenantID string, deviceID, studentID int64) ([]int, error)
	DeleteFingerprint(ctx context.Context, tenantID string, deviceID, studentID int64, fingerIndex int) error
	SyncStudentToDevice(ctx context.Context, tenantID string, studentID, deviceID int64) error
	CheckStudentOnDevice(ctx context.Context, tenantID string, studentID, deviceID int64) (bool, error)
}

// FleetService is the synchronous device-operation surface.
type FleetService interface {
	GetDeviceInfo(ctx context.Context, tenantID string, deviceID int64) (*types.DeviceInfo, error)
	TestDevice(ctx context.Context, tenantID string, deviceID int64, timeout time.Duration) (*types.TestResult, error)
	SetDeviceTime(ctx context.Context, tenantID string, deviceID int64, to time.Time) error
}

// IngestService runs a manual ingestion round.
type IngestService interface {
	Ingest(ctx context.Context, tenantID string, deviceID int64) (*types.IngestSummary, error)
}

// DeviceStore is the device CRUD slice the ingress needs.
type DeviceStore interface {
	Create(ctx context.Context, dev *types.Device) error
	Get(ctx context.Context, tenantID string, id int64) (*types.Device, error)
	ListByTenant(ctx context.Context, tenantID string) ([]types.Device, error)
	SoftDelete(ctx context.Context, tenantID string, id int64) error
}

// StudentStore is the student CRUD slice the ingress needs.
type StudentStore interface {
	Create(ctx context.Context, student *types.Student) error
	Get(ctx context.Context, tenantID string, id int64) (*types.Student, error)
}

// AttendanceStore serves the recent-records read endpoint.
type AttendanceStore interface {
	ListRecent(ctx context.Context, tenantID string, limit int) ([]types.AttendanceRecord, error)
}

// Handlers carries the ingress dependencies.
type Handlers struct {
	devices     DeviceStore
	students    StudentStore
	records     AttendanceStore
	fleet       FleetService
	enrollments EnrollmentService
	ingest      IngestService
	logger      *logrus.Entry

	defaultTestTimeout time.Duration
}

// NewHandlers wires the handler set.
func NewHandlers(devices DeviceStore, students StudentStore, records AttendanceStore, fleet FleetService, enrollments EnrollmentService, ingest IngestService, logger *logrus.Logger) *Handlers {
	return &Handlers{
		devices:            devices,
		students:           students,
		records:            records,
		fleet:              fleet,
		enrollments:        enrollments,
		ingest:             ingest,
		logger:             logger.WithField("component", "api"),
		defaultTestTimeout: 5 * time.Second,
	}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body != nil {
		_ = json.NewEncoder(w).Encode(body)
	}
}

// writeError maps domain errors onto ingress status codes: missing
// entities are 404, a busy enrollment slot is 409, and every operational
// device failure surfaces as 503.
func (h *Handlers) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, types.ErrDeviceNotFound),
		errors.Is(err, types.ErrStudentNotFound),
		errors.Is(err, types.ErrEnrollmentNotFound),
		errors.Is(err, types.ErrTemplateNotFound):
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: err.Error()})
	case errors.Is(err, types.ErrInvalidFingerIndex):
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: err.Error()})
	case errors.Is(err, types.ErrEnrollmentInProgress):
		writeJSON(w, http.StatusConflict, ErrorResponse{Error: err.Error()})
	case errors.Is(err, types.ErrDeviceOffline), types.IsOperational(err):
		writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{Error: "device unavailable"})
	default:
		h.logger.WithError(err).Error("Unhandled API error")
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "internal error"})
	}
}

func pathID(r *http.Request, name string) (int64, error) {
	return strconv.ParseInt(mux.Vars(r)[name], 10, 64)
}

// HealthCheck is the unauthenticated liveness endpoint.
func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok", Time: time.Now().UTC()})
}

func (h *Handlers) CreateDevice(w http.ResponseWriter, r *http.Request) {
	var req CreateDeviceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
		return
	}
	if req.Name == "" || req.Host == "" {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "name and host are required"})
		return
	}
	dev := &types.Device{
		TenantID:     TenantFromContext(r.Context()),
		Name:         req.Name,
		Host:         req.Host,
		Port:         req.Port,
		CommPassword: req.CommPassword,
		Group:        req.Group,
		Timezone:     req.Timezone,
	}
	if err := h.devices.Create(r.Context(), dev); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, dev)
}

func (h *Handlers) ListDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := h.devices.ListByTenant(r.Context(), TenantFromContext(r.Context()))
	if err != nil {
		h.writeError(w, err)
		return
	}
	if devices == nil {
		devices = []types.Device{}
	}
	writeJSON(w, http.StatusOK, devices)
}

func (h *Handlers) GetDevice(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid device id"})
		return
	}
	dev, err := h.devices.Get(r.Context(), TenantFromContext(r.Context()), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, dev)
}

func (h *Handlers) DeleteDevice(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid device id"})
		return
	}
	if err := h.devices.SoftDelete(r.Context(), TenantFromContext(r.Context()), id); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) GetDeviceInfo(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid device id"})
		return
	}
	info, err := h.fleet.GetDeviceInfo(r.Context(), TenantFromContext(r.Context()), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (h *Handlers) TestDevice(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid device id"})
		return
	}
	var req TestDeviceRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	timeout := h.defaultTestTimeout
	if req.TimeoutSeconds > 0 {
		timeout = time.Duration(req.TimeoutSeconds) * time.Second
	}
	result, err := h.fleet.TestDevice(r.Context(), TenantFromContext(r.Context()), id, timeout)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handlers) SetDeviceTime(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid device id"})
		return
	}
	var req SetDeviceTimeRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	to := time.Now().UTC()
	if req.Time != nil {
		to = *req.Time
	}
	if err := h.fleet.SetDeviceTime(r.Context(), TenantFromContext(r.Context()), id, to); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) IngestDevice(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid device id"})
		return
	}
	summary, err := h.ingest.Ingest(r.Context(), TenantFromContext(r.Context()), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, IngestResponse{Summary: *summary})
}

func (h *Handlers) CreateStudent(w http.ResponseWriter, r *http.Request) {
	var req CreateStudentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
		return
	}
	if req.FullName == "" {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "fullName is required"})
		return
	}
	student := &types.Student{
		TenantID:        TenantFromContext(r.Context()),
		FullName:        req.FullName,
		AdmissionNumber: req.AdmissionNumber,
		ClassName:       req.ClassName,
	}
	if err := h.students.Create(r.Context(), student); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, student)
}

func (h *Handlers) GetStudent(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid student id"})
		return
	}
	student, err := h.students.Get(r.Context(), TenantFromContext(r.Context()), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, student)
}

func (h *Handlers) StartEnrollment(w http.ResponseWriter, r *http.Request) {
	var req StartEnrollmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
		return
	}
	session, err := h.enrollments.StartEnrollment(r.Context(), TenantFromContext(r.Context()),
		req.StudentID, req.DeviceID, req.FingerIndex)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, session)
}

func (h *Handlers) CancelEnrollment(w http.ResponseWriter, r *http.Request) {
	session, err := h.enrollments.CancelEnrollment(r.Context(), TenantFromContext(r.Context()), mux.Vars(r)["uuid"])
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (h *Handlers) ListEnrolledFingers(w http.ResponseWriter, r *http.Request) {
	deviceID, err1 := pathID(r, "id")
	studentID, err2 := pathID(r, "studentId")
	if err1 != nil || err2 != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid path ids"})
		return
	}
	fingers, err := h.enrollments.ListEnrolledFingers(r.Context(), TenantFromContext(r.Context()), deviceID, studentID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if fingers == nil {
		fingers = []int{}
	}
	writeJSON(w, http.StatusOK, EnrolledFingersResponse{Fingers: fingers})
}

func (h *Handlers) DeleteFingerprint(w http.ResponseWriter, r *http.Request) {
	deviceID, err1 := pathID(r, "id")
	studentID, err2 := pathID(r, "studentId")
	finger, err3 := strconv.Atoi(mux.Vars(r)["finger"])
	if err1 != nil || err2 != nil || err3 != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid path ids"})
		return
	}
	if err := h.enrollments.DeleteFingerprint(r.Context(), TenantFromContext(r.Context()), deviceID, studentID, finger); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) SyncStudent(w http.ResponseWriter, r *http.Request) {
	deviceID, err1 := pathID(r, "id")
	studentID, err2 := pathID(r, "studentId")
	if err1 != nil || err2 != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid path ids"})
		return
	}
	if err := h.enrollments.SyncStudentToDevice(r.Context(), TenantFromContext(r.Context()), studentID, deviceID); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) CheckStudent(w http.ResponseWriter, r *http.Request) {
	deviceID, err1 := pathID(r, "id")
	studentID, err2 := pathID(r, "studentId")
	if err1 != nil || err2 != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid path ids"})
		return
	}
	present, err := h.enrollments.CheckStudentOnDevice(r.Context(), TenantFromContext(r.Context()), studentID, deviceID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, PresenceResponse{Present: present})
}

func (h *Handlers) RecentAttendance(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	records, err := h.records.ListRecent(r.Context(), TenantFromContext(r.Context()), limit)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if records == nil {
		records = []types.AttendanceRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}
