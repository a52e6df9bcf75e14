// Package cloud holds the narrow collaborator boundaries the
// orchestrator consumes. Each interface is small enough to swap for a
// fake in tests and for the in-memory provider in local runs.
package cloud

import "context"

type TaskStatus string

const (
	TaskStarting TaskStatus = "starting"
	TaskRunning  TaskStatus = "running"
	TaskStopping TaskStatus = "stopping"
	TaskStopped  TaskStatus = "stopped"
)

// TaskProfile describes the container task registered for a user's
// workstation.
type TaskProfile struct {
	UserID        string
	Username      string
	ImageTag      string
	AccessPointID string
	Env           map[string]string
}

type Compute interface {
	RegisterTaskTemplate(ctx context.Context, profile TaskProfile) (string, error)
	Run(ctx context.Context, templateArn string) (string, error)
	WaitUntilRunning(ctx context.Context, taskArn string) error
	Stop(ctx context.Context, taskArn string) error
	PrivateAddress(ctx context.Context, taskArn string) (string, error)
	Status(ctx context.Context, taskArn string) (TaskStatus, error)
}

type Routing interface {
	CreateTarget(ctx context.Context, name string) (string, error)
	Bind(ctx context.Context, targetGroupArn, address string) error
	Unbind(ctx context.Context, targetGroupArn, address string) error
	CreateRule(ctx context.Context, host, targetGroupArn string, priority int) (string, error)
	DeleteRule(ctx context.Context, ruleArn string) error
	DeleteTarget(ctx context.Context, targetGroupArn string) error
}

type DNS interface {
	Upsert(ctx context.Context, host, endpoint string) error
	Delete(ctx context.Context, host string) error
}

type NetworkStorage interface {
	CreateAccessPoint(ctx context.Context, userID string) (string, error)
	PurgeAndDelete(ctx context.Context, accessPointID, userID string) error
}

type ObjectStorage interface {
	CreateBucket(ctx context.Context, userID string) (string, error)
	DeleteBucket(ctx context.Context, bucket string) error
	PublicURL(bucket string) string
}

type Credential struct {
	AccessKey string
	SecretKey string
}

type Identity interface {
	CreateScopedCredential(ctx context.Context, userID, bucket string) (Credential, error)
	DeleteScopedCredential(ctx context.Context, userID string) error
}

type Secrets interface {
	Put(ctx context.Context, userID string, payload []byte) (string, error)
	// Get returns fault.ErrNotFound when no secret exists for the user.
	Get(ctx context.Context, userID string) ([]byte, error)
	Delete(ctx context.Context, secretRef string) error
}

// Clients bundles every collaborator so the orchestrator takes one
// dependency instead of seven.
type Clients struct {
	Compute  Compute
	Routing  Routing
	DNS      DNS
	Storage  NetworkStorage
	Buckets  ObjectStorage
	Identity Identity
	Secrets  Secrets
}
