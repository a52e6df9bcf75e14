package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	ListenAddr     string   `envconfig:"LISTEN_ADDR" default:":8080"`
	DatabaseURL    string   `envconfig:"DATABASE_URL" required:"true"`
	JWTSecret      string   `envconfig:"JWT_SECRET" required:"true"`
	WebhookKey     string   `envconfig:"WEBHOOK_SHARED_KEY" required:"true"`
	CloudProvider  string   `envconfig:"CLOUD_PROVIDER" default:"fake"`
	Region         string   `envconfig:"AWS_REGION" default:"us-east-1"`
	BaseDomain     string   `envconfig:"BASE_DOMAIN" default:"atelier.example.com"`
	LBEndpoint     string   `envconfig:"LB_ENDPOINT" default:"lb.atelier.example.com"`
	HostedZoneID   string   `envconfig:"HOSTED_ZONE_ID"`
	ClusterArn     string   `envconfig:"ECS_CLUSTER_ARN"`
	SubnetIDs      []string `envconfig:"SUBNET_IDS"`
	SecurityGroups []string `envconfig:"SECURITY_GROUP_IDS"`
	ListenerArn    string   `envconfig:"ALB_LISTENER_ARN"`
	VpcID          string   `envconfig:"VPC_ID"`
	FileSystemID   string   `envconfig:"EFS_FILESYSTEM_ID"`
	ImageRepo      string   `envconfig:"IMAGE_REPO" default:"atelier/workstation"`
	DefaultImage   string   `envconfig:"DEFAULT_IMAGE_TAG" default:"stable"`
	TaskCPU        string   `envconfig:"TASK_CPU" default:"2048"`
	TaskMemory     string   `envconfig:"TASK_MEMORY" default:"8192"`

	// Named scheduling policies, tunable per deployment.
	IdleShutdown     time.Duration `envconfig:"IDLE_SHUTDOWN" default:"4h"`
	SessionGrace     time.Duration `envconfig:"SESSION_GRACE" default:"10m"`
	PrepLookahead    time.Duration `envconfig:"PREP_LOOKAHEAD" default:"5m"`
	PrepInterval     time.Duration `envconfig:"PREP_INTERVAL" default:"1m"`
	ShutdownInterval time.Duration `envconfig:"SHUTDOWN_INTERVAL" default:"5m"`
	TaskStartTimeout time.Duration `envconfig:"TASK_START_TIMEOUT" default:"3m"`

	HourlyRate float64 `envconfig:"HOURLY_RATE" default:"0.55"`
}

func Load() (Config, error) {
	var cfg Config
	if err := envconfig.Process("atelier", &cfg); err != nil {
		return Config{}, err
	}
	if cfg.CloudProvider != "fake" && cfg.CloudProvider != "aws" {
		return Config{}, fmt.Errorf("ATELIER_CLOUD_PROVIDER must be one of fake|aws")
	}
	if cfg.CloudProvider == "aws" {
		for name, v := range map[string]string{
			"ATELIER_ECS_CLUSTER_ARN":   cfg.ClusterArn,
			"ATELIER_ALB_LISTENER_ARN":  cfg.ListenerArn,
			"ATELIER_HOSTED_ZONE_ID":    cfg.HostedZoneID,
			"ATELIER_EFS_FILESYSTEM_ID": cfg.FileSystemID,
			"ATELIER_VPC_ID":            cfg.VpcID,
		} {
			if v == "" {
				return Config{}, fmt.Errorf("%s is required for aws cloud provider", name)
			}
		}
		if len(cfg.SubnetIDs) == 0 {
			return Config{}, fmt.Errorf("ATELIER_SUBNET_IDS is required for aws cloud provider")
		}
	}
	return cfg, nil
}
