package cloud

import (
	"context"
	"fmt"
	"sync"

	"github.com/atelierhq/atelier-control-plane/internal/fault"
)

// Fake is an in-memory implementation of every collaborator, used for
// local runs and tests. Ops can be forced to fail by name via Fail.
type Fake struct {
	mu       sync.Mutex
	seq      int
	tasks    map[string]TaskStatus
	secrets  map[string][]byte
	Fail     map[string]error
	Calls    map[string]int
}

func NewFake() *Fake {
	return &Fake{
		tasks:   make(map[string]TaskStatus),
		secrets: make(map[string][]byte),
		Fail:    make(map[string]error),
		Calls:   make(map[string]int),
	}
}

func (f *Fake) Clients() Clients {
	return Clients{
		Compute:  f,
		Routing:  fakeRouting{f},
		DNS:      fakeDNS{f},
		Storage:  fakeStorage{f},
		Buckets:  fakeBuckets{f},
		Identity: fakeIdentity{f},
		Secrets:  fakeSecrets{f},
	}
}

func (f *Fake) call(op string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls[op]++
	if err, ok := f.Fail[op]; ok {
		return err
	}
	return nil
}

func (f *Fake) next(prefix string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	return fmt.Sprintf("%s-%d", prefix, f.seq)
}

func (f *Fake) RegisterTaskTemplate(_ context.Context, profile TaskProfile) (string, error) {
	if err := f.call("register_task_template"); err != nil {
		return "", err
	}
	return "arn:fake:task-def/" + profile.UserID + ":" + profile.ImageTag, nil
}

func (f *Fake) Run(_ context.Context, templateArn string) (string, error) {
	if err := f.call("run"); err != nil {
		return "", err
	}
	arn := f.next("arn:fake:task")
	f.mu.Lock()
	f.tasks[arn] = TaskRunning
	f.mu.Unlock()
	return arn, nil
}

func (f *Fake) WaitUntilRunning(_ context.Context, taskArn string) error {
	return f.call("wait_until_running")
}

func (f *Fake) Stop(_ context.Context, taskArn string) error {
	if err := f.call("stop"); err != nil {
		return err
	}
	f.mu.Lock()
	f.tasks[taskArn] = TaskStopped
	f.mu.Unlock()
	return nil
}

func (f *Fake) PrivateAddress(_ context.Context, taskArn string) (string, error) {
	if err := f.call("private_address"); err != nil {
		return "", err
	}
	return "10.0.42.7", nil
}

func (f *Fake) Status(_ context.Context, taskArn string) (TaskStatus, error) {
	if err := f.call("status"); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if st, ok := f.tasks[taskArn]; ok {
		return st, nil
	}
	return TaskStopped, nil
}

// SetTaskStatus lets tests simulate externally observed task states.
func (f *Fake) SetTaskStatus(taskArn string, st TaskStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks[taskArn] = st
}

type fakeRouting struct{ f *Fake }

func (r fakeRouting) CreateTarget(_ context.Context, name string) (string, error) {
	if err := r.f.call("create_target"); err != nil {
		return "", err
	}
	return "arn:fake:targetgroup/" + name, nil
}

func (r fakeRouting) Bind(_ context.Context, _, _ string) error   { return r.f.call("bind") }
func (r fakeRouting) Unbind(_ context.Context, _, _ string) error { return r.f.call("unbind") }

func (r fakeRouting) CreateRule(_ context.Context, host, _ string, _ int) (string, error) {
	if err := r.f.call("create_rule"); err != nil {
		return "", err
	}
	return "arn:fake:rule/" + host, nil
}

func (r fakeRouting) DeleteRule(_ context.Context, _ string) error {
	return r.f.call("delete_rule")
}

func (r fakeRouting) DeleteTarget(_ context.Context, _ string) error {
	return r.f.call("delete_target")
}

type fakeDNS struct{ f *Fake }

func (d fakeDNS) Upsert(_ context.Context, _, _ string) error { return d.f.call("dns_upsert") }
func (d fakeDNS) Delete(_ context.Context, _ string) error    { return d.f.call("dns_delete") }

type fakeStorage struct{ f *Fake }

func (s fakeStorage) CreateAccessPoint(_ context.Context, userID string) (string, error) {
	if err := s.f.call("create_access_point"); err != nil {
		return "", err
	}
	return "fsap-fake-" + userID, nil
}

func (s fakeStorage) PurgeAndDelete(_ context.Context, _, _ string) error {
	return s.f.call("purge_and_delete")
}

type fakeBuckets struct{ f *Fake }

func (b fakeBuckets) CreateBucket(_ context.Context, userID string) (string, error) {
	if err := b.f.call("create_bucket"); err != nil {
		return "", err
	}
	return "atelier-workspace-" + userID, nil
}

func (b fakeBuckets) DeleteBucket(_ context.Context, _ string) error {
	return b.f.call("delete_bucket")
}

func (b fakeBuckets) PublicURL(bucket string) string {
	return "https://" + bucket + ".s3.fake.local"
}

type fakeIdentity struct{ f *Fake }

func (i fakeIdentity) CreateScopedCredential(_ context.Context, userID, _ string) (Credential, error) {
	if err := i.f.call("create_scoped_credential"); err != nil {
		return Credential{}, err
	}
	return Credential{AccessKey: "AKIAFAKE" + userID, SecretKey: "secret-" + userID}, nil
}

func (i fakeIdentity) DeleteScopedCredential(_ context.Context, _ string) error {
	return i.f.call("delete_scoped_credential")
}

type fakeSecrets struct{ f *Fake }

func (s fakeSecrets) Put(_ context.Context, userID string, payload []byte) (string, error) {
	if err := s.f.call("secret_put"); err != nil {
		return "", err
	}
	s.f.mu.Lock()
	s.f.secrets[userID] = append([]byte(nil), payload...)
	s.f.mu.Unlock()
	return "fake-secret/" + userID, nil
}

func (s fakeSecrets) Get(_ context.Context, userID string) ([]byte, error) {
	if err := s.f.call("secret_get"); err != nil {
		return nil, err
	}
	s.f.mu.Lock()
	defer s.f.mu.Unlock()
	payload, ok := s.f.secrets[userID]
	if !ok {
		return nil, fault.NotFoundf("secret for user %s", userID)
	}
	return payload, nil
}

func (s fakeSecrets) Delete(_ context.Context, secretRef string) error {
	if err := s.f.call("secret_delete"); err != nil {
		return err
	}
	s.f.mu.Lock()
	defer s.f.mu.Unlock()
	// secretRef is "fake-secret/<userID>".
	const prefix = "fake-secret/"
	if len(secretRef) > len(prefix) {
		delete(s.f.secrets, secretRef[len(prefix):])
	}
	return nil
}
