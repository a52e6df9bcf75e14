package model

import (
	"strings"
	"time"
)

type InstanceStatus string

const (
	InstanceCreated  InstanceStatus = "created"
	InstanceStarting InstanceStatus = "starting"
	InstanceRunning  InstanceStatus = "running"
	InstanceStopping InstanceStatus = "stopping"
	InstanceStopped  InstanceStatus = "stopped"
)

type LicenseType string

const (
	LicenseBYOL   LicenseType = "byol"
	LicensePooled LicenseType = "pooled"
)

// LicenseIDFor derives the conventional license id for an owner's own
// (byol) license.
func LicenseIDFor(ownerID string) string {
	return "byol-" + ownerID
}

// LicenseOwner inverts LicenseIDFor.
func LicenseOwner(licenseID string) string {
	return strings.TrimPrefix(licenseID, "byol-")
}

// Instance is a user's ephemeral workstation. One row per user; the
// user id is the natural key.
type Instance struct {
	UserID              string
	Username            string
	Status              InstanceStatus
	LicenseType         LicenseType
	AllowLicenseSharing bool
	MaxConcurrentUsers  int
	LicenseOwnerID      *string
	ImageTag            string

	// Runtime bindings, present only while the task is live.
	TaskArn   *string
	PrivateIP *string
	RuleArn   *string

	// Provisioned once at create time.
	TargetGroupArn string
	AccessPointID  string
	BucketName     string
	Hostname       string
	SecretRef      string

	AutoShutdownAt  *time.Time
	LinkedSessionID *string
	StartedAt       *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// LicensePool is a sharer's license made available to pooled sessions.
// Pools are deactivated, never deleted, so reservation history stays
// attributable.
type LicensePool struct {
	LicenseID          string
	OwnerID            string
	OwnerUsername      string
	MaxConcurrentUsers int
	IsActive           bool
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

type SessionStatus string

const (
	SessionScheduled SessionStatus = "scheduled"
	SessionRetry     SessionStatus = "retry"
	SessionActive    SessionStatus = "active"
	SessionCompleted SessionStatus = "completed"
	SessionCancelled SessionStatus = "cancelled"
)

type ScheduledSession struct {
	ID          string
	UserID      string
	Username    string
	StartTime   time.Time
	EndTime     time.Time
	LicenseType LicenseType
	LicenseID   *string
	Title       string
	Description string
	Status      SessionStatus
	InstanceID  *string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type ReservationStatus string

const (
	ReservationActive    ReservationStatus = "active"
	ReservationCancelled ReservationStatus = "cancelled"
	ReservationCompleted ReservationStatus = "completed"
)

// LicenseReservation is the admission-control ledger entry granting a
// session capacity-bounded use of a license for a time window.
type LicenseReservation struct {
	ID        string
	LicenseID string
	SessionID string
	StartTime time.Time
	EndTime   time.Time
	Status    ReservationStatus
	CreatedAt time.Time
}

// PoolAvailability is a candidate pool with its remaining capacity in
// a requested window.
type PoolAvailability struct {
	Pool              LicensePool
	OverlappingActive int
	Remaining         int
}

type UsageInterval struct {
	ID        string
	UserID    string
	StartedAt time.Time
	StoppedAt *time.Time
	Hours     float64
}

type MonthlyCost struct {
	UserID        string
	Username      string
	Hours         float64
	GrossCost     float64
	Donations     float64
	NetCost       float64
	IntervalCount int
}

type Donation struct {
	ID         string
	UserID     string
	Amount     float64
	Message    string
	ReceivedAt time.Time
}
