package model

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Event types (coarse category).
const (
	EventTypeEmployee   = "employee"
	EventTypeLeave      = "leave"
	EventTypePayroll    = "payroll"
	EventTypeAttendance = "attendance"
)

// Event names (dispatch keys).
const (
	EmployeeCreatedEvent     = "employee.created"
	EmployeeUpdatedEvent     = "employee.updated"
	EmployeeTerminatedEvent  = "employee.terminated"
	LeaveRequestedEvent      = "leave.requested"
	LeaveApprovedEvent       = "leave.approved"
	LeaveRejectedEvent       = "leave.rejected"
	PayrollRunProcessedEvent = "payroll.run_processed"
	AttendanceRecordedEvent  = "attendance.recorded"
)

// EventNames lists every typed event the app publishes.
var EventNames = []string{
	EmployeeCreatedEvent,
	EmployeeUpdatedEvent,
	EmployeeTerminatedEvent,
	LeaveRequestedEvent,
	LeaveApprovedEvent,
	LeaveRejectedEvent,
	PayrollRunProcessedEvent,
	AttendanceRecordedEvent,
}

// Payload is implemented by every event body that can be published.
// Each concrete type maps to exactly one event name.
type Payload interface {
	EventType() string
	EventName() string
}

type EmployeeCreated struct {
	EmployeeID   string    `json:"employee_id"`
	Email        string    `json:"email"`
	FullName     string    `json:"full_name"`
	DepartmentID string    `json:"department_id,omitempty"`
	StartDate    time.Time `json:"start_date"`
}

func (EmployeeCreated) EventType() string { return EventTypeEmployee }
func (EmployeeCreated) EventName() string { return EmployeeCreatedEvent }

type EmployeeUpdated struct {
	EmployeeID string            `json:"employee_id"`
	Changes    map[string]string `json:"changes"`
}

func (EmployeeUpdated) EventType() string { return EventTypeEmployee }
func (EmployeeUpdated) EventName() string { return EmployeeUpdatedEvent }

type EmployeeTerminated struct {
	EmployeeID    string    `json:"employee_id"`
	Reason        string    `json:"reason,omitempty"`
	EffectiveDate time.Time `json:"effective_date"`
}

func (EmployeeTerminated) EventType() string { return EventTypeEmployee }
func (EmployeeTerminated) EventName() string { return EmployeeTerminatedEvent }

type LeaveRequested struct {
	LeaveID    string    `json:"leave_id"`
	EmployeeID string    `json:"employee_id"`
	LeaveType  string    `json:"leave_type"`
	StartDate  time.Time `json:"start_date"`
	EndDate    time.Time `json:"end_date"`
	Days       float64   `json:"days"`
}

func (LeaveRequested) EventType() string { return EventTypeLeave }
func (LeaveRequested) EventName() string { return LeaveRequestedEvent }

type LeaveApproved struct {
	LeaveID    string    `json:"leave_id"`
	EmployeeID string    `json:"employee_id"`
	ApproverID string    `json:"approver_id"`
	StartDate  time.Time `json:"start_date"`
	EndDate    time.Time `json:"end_date"`
	Days       float64   `json:"days"`
}

func (LeaveApproved) EventType() string { return EventTypeLeave }
func (LeaveApproved) EventName() string { return LeaveApprovedEvent }

type LeaveRejected struct {
	LeaveID    string `json:"leave_id"`
	EmployeeID string `json:"employee_id"`
	ApproverID string `json:"approver_id"`
	Reason     string `json:"reason,omitempty"`
}

func (LeaveRejected) EventType() string { return EventTypeLeave }
func (LeaveRejected) EventName() string { return LeaveRejectedEvent }

type PayrollRunProcessed struct {
	PayrollRunID  string    `json:"payroll_run_id"`
	PeriodStart   time.Time `json:"period_start"`
	PeriodEnd     time.Time `json:"period_end"`
	EmployeeCount int       `json:"employee_count"`
	GrossTotal    int64     `json:"gross_total"` // minor units
	Currency      string    `json:"currency"`
}

func (PayrollRunProcessed) EventType() string { return EventTypePayroll }
func (PayrollRunProcessed) EventName() string { return PayrollRunProcessedEvent }

type AttendanceRecorded struct {
	AttendanceID string     `json:"attendance_id"`
	EmployeeID   string     `json:"employee_id"`
	ClockIn      time.Time  `json:"clock_in"`
	ClockOut     *time.Time `json:"clock_out,omitempty"`
}

func (AttendanceRecorded) EventType() string { return EventTypeAttendance }
func (AttendanceRecorded) EventName() string { return AttendanceRecordedEvent }

// RawPayload carries an already serialized body for producers that are not
// covered by a typed payload.
type RawPayload struct {
	Type string
	Name string
	Data json.RawMessage
}

func (p RawPayload) EventType() string {
	if p.Type != "" {
		return p.Type
	}
	// "leave.approved" -> "leave"
	if i := strings.IndexByte(p.Name, '.'); i > 0 {
		return p.Name[:i]
	}
	return p.Name
}

func (p RawPayload) EventName() string { return p.Name }

func (p RawPayload) MarshalJSON() ([]byte, error) {
	if len(p.Data) == 0 {
		return []byte("null"), nil
	}
	return p.Data, nil
}

// Decode unmarshals the record payload into the typed payload T and checks
// that the record actually carries T.
func Decode[T Payload](rec Record) (T, error) {
	var out T
	if rec.EventName != out.EventName() {
		return out, fmt.Errorf("decode %s: record is %s", out.EventName(), rec.EventName)
	}
	if err := json.Unmarshal(rec.Payload, &out); err != nil {
		return out, fmt.Errorf("decode %s payload: %w", rec.EventName, err)
	}
	return out, nil
}
