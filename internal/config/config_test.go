package config

import (
	"testing"
	"time"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("ATELIER_DATABASE_URL", "postgres://localhost/atelier")
	t.Setenv("ATELIER_JWT_SECRET", "secret")
	t.Setenv("ATELIER_WEBHOOK_SHARED_KEY", "hook")
}

func TestLoad_DefaultsApply(t *testing.T) {
	setRequired(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned err: %v", err)
	}
	if cfg.CloudProvider != "fake" {
		t.Fatalf("default provider should be fake, got %q", cfg.CloudProvider)
	}
	if cfg.IdleShutdown != 4*time.Hour || cfg.SessionGrace != 10*time.Minute {
		t.Fatalf("timeout defaults wrong: idle=%s grace=%s", cfg.IdleShutdown, cfg.SessionGrace)
	}
	if cfg.HourlyRate != 0.55 {
		t.Fatalf("default hourly rate wrong: %f", cfg.HourlyRate)
	}
}

func TestLoad_UnknownProviderRejected(t *testing.T) {
	setRequired(t)
	t.Setenv("ATELIER_CLOUD_PROVIDER", "azure")

	if _, err := Load(); err == nil {
		t.Fatal("expected error for unknown provider")
	}
}

func TestLoad_AWSProviderRequiresInfraIDs(t *testing.T) {
	setRequired(t)
	t.Setenv("ATELIER_CLOUD_PROVIDER", "aws")

	if _, err := Load(); err == nil {
		t.Fatal("expected error when aws infra ids are missing")
	}

	t.Setenv("ATELIER_ECS_CLUSTER_ARN", "arn:aws:ecs:us-east-1:1:cluster/main")
	t.Setenv("ATELIER_ALB_LISTENER_ARN", "arn:aws:elasticloadbalancing:us-east-1:1:listener/app/x/y/z")
	t.Setenv("ATELIER_HOSTED_ZONE_ID", "Z123")
	t.Setenv("ATELIER_EFS_FILESYSTEM_ID", "fs-123")
	t.Setenv("ATELIER_VPC_ID", "vpc-123")
	t.Setenv("ATELIER_SUBNET_IDS", "subnet-1,subnet-2")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned err: %v", err)
	}
	if len(cfg.SubnetIDs) != 2 {
		t.Fatalf("subnet list not parsed: %v", cfg.SubnetIDs)
	}
}
