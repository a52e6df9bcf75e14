package cloud

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awscfg "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ecs"
	ecstypes "github.com/aws/aws-sdk-go-v2/service/ecs/types"
	"github.com/aws/aws-sdk-go-v2/service/efs"
	elbv2 "github.com/aws/aws-sdk-go-v2/service/elasticloadbalancingv2"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/aws/aws-sdk-go-v2/service/route53"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"

	"github.com/atelierhq/atelier-control-plane/internal/metrics"
)

type AWSOptions struct {
	Region           string
	ClusterArn       string
	SubnetIDs        []string
	SecurityGroups   []string
	ListenerArn      string
	VpcID            string
	HostedZoneID     string
	FileSystemID     string
	ImageRepo        string
	TaskCPU          string
	TaskMemory       string
	TaskStartTimeout time.Duration
}

// AWS implements every collaborator interface against one shared set
// of service clients, constructed once at process start.
type AWS struct {
	opts    AWSOptions
	ecs     *ecs.Client
	elb     *elbv2.Client
	r53     *route53.Client
	efs     *efs.Client
	s3      *s3.Client
	iam     *iam.Client
	secrets *secretsmanager.Client
}

func NewAWS(ctx context.Context, opts AWSOptions) (*AWS, error) {
	if opts.ClusterArn == "" {
		return nil, fmt.Errorf("ClusterArn is required")
	}
	if opts.TaskStartTimeout <= 0 {
		opts.TaskStartTimeout = 3 * time.Minute
	}
	cfg, err := awscfg.LoadDefaultConfig(ctx, awscfg.WithRegion(opts.Region))
	if err != nil {
		return nil, fmt.Errorf("aws config: %w", err)
	}
	return &AWS{
		opts:    opts,
		ecs:     ecs.NewFromConfig(cfg),
		elb:     elbv2.NewFromConfig(cfg),
		r53:     route53.NewFromConfig(cfg),
		efs:     efs.NewFromConfig(cfg),
		s3:      s3.NewFromConfig(cfg),
		iam:     iam.NewFromConfig(cfg),
		secrets: secretsmanager.NewFromConfig(cfg),
	}, nil
}

func (a *AWS) Clients() Clients {
	return Clients{
		Compute:  a,
		Routing:  a,
		DNS:      awsDNS{a: a},
		Storage:  a,
		Buckets:  a,
		Identity: a,
		Secrets:  awsSecrets{a: a},
	}
}

func (a *AWS) RegisterTaskTemplate(ctx context.Context, profile TaskProfile) (string, error) {
	env := make([]ecstypes.KeyValuePair, 0, len(profile.Env))
	for k, v := range profile.Env {
		env = append(env, ecstypes.KeyValuePair{Name: aws.String(k), Value: aws.String(v)})
	}

	var out *ecs.RegisterTaskDefinitionOutput
	err := a.observe(ctx, "register_task_definition", func(callCtx context.Context) error {
		var regErr error
		out, regErr = a.ecs.RegisterTaskDefinition(callCtx, &ecs.RegisterTaskDefinitionInput{
			Family:                  aws.String("atelier-" + profile.UserID),
			RequiresCompatibilities: []ecstypes.Compatibility{ecstypes.CompatibilityFargate},
			NetworkMode:             ecstypes.NetworkModeAwsvpc,
			Cpu:                     aws.String(a.opts.TaskCPU),
			Memory:                  aws.String(a.opts.TaskMemory),
			ContainerDefinitions: []ecstypes.ContainerDefinition{
				{
					Name:      aws.String("workstation"),
					Image:     aws.String(a.opts.ImageRepo + ":" + profile.ImageTag),
					Essential: aws.Bool(true),
					PortMappings: []ecstypes.PortMapping{
						{ContainerPort: aws.Int32(8443), Protocol: ecstypes.TransportProtocolTcp},
					},
					Environment: env,
					MountPoints: []ecstypes.MountPoint{
						{SourceVolume: aws.String("home"), ContainerPath: aws.String("/home/workstation")},
					},
				},
			},
			Volumes: []ecstypes.Volume{
				{
					Name: aws.String("home"),
					EfsVolumeConfiguration: &ecstypes.EFSVolumeConfiguration{
						FileSystemId:      aws.String(a.opts.FileSystemID),
						TransitEncryption: ecstypes.EFSTransitEncryptionEnabled,
						AuthorizationConfig: &ecstypes.EFSAuthorizationConfig{
							AccessPointId: aws.String(profile.AccessPointID),
						},
					},
				},
			},
			Tags: []ecstypes.Tag{
				{Key: aws.String("ManagedBy"), Value: aws.String("atelier-control-plane")},
				{Key: aws.String("AtelierUserID"), Value: aws.String(profile.UserID)},
			},
		})
		return regErr
	})
	if err != nil {
		return "", fmt.Errorf("register task definition: %w", err)
	}
	return aws.ToString(out.TaskDefinition.TaskDefinitionArn), nil
}

func (a *AWS) Run(ctx context.Context, templateArn string) (string, error) {
	var out *ecs.RunTaskOutput
	err := a.observe(ctx, "run_task", func(callCtx context.Context) error {
		var runErr error
		out, runErr = a.ecs.RunTask(callCtx, &ecs.RunTaskInput{
			Cluster:        aws.String(a.opts.ClusterArn),
			TaskDefinition: aws.String(templateArn),
			LaunchType:     ecstypes.LaunchTypeFargate,
			Count:          aws.Int32(1),
			NetworkConfiguration: &ecstypes.NetworkConfiguration{
				AwsvpcConfiguration: &ecstypes.AwsVpcConfiguration{
					Subnets:        a.opts.SubnetIDs,
					SecurityGroups: a.opts.SecurityGroups,
					AssignPublicIp: ecstypes.AssignPublicIpDisabled,
				},
			},
		})
		return runErr
	})
	if err != nil {
		return "", fmt.Errorf("run task: %w", err)
	}
	if len(out.Tasks) == 0 || out.Tasks[0].TaskArn == nil {
		if len(out.Failures) > 0 {
			return "", fmt.Errorf("run task: %s", aws.ToString(out.Failures[0].Reason))
		}
		return "", fmt.Errorf("run task: no task returned")
	}
	return aws.ToString(out.Tasks[0].TaskArn), nil
}

func (a *AWS) WaitUntilRunning(ctx context.Context, taskArn string) error {
	waitCtx, cancel := context.WithTimeout(ctx, a.opts.TaskStartTimeout)
	defer cancel()
	waiter := ecs.NewTasksRunningWaiter(a.ecs)
	if err := waiter.Wait(waitCtx, &ecs.DescribeTasksInput{
		Cluster: aws.String(a.opts.ClusterArn),
		Tasks:   []string{taskArn},
	}, a.opts.TaskStartTimeout); err != nil {
		return fmt.Errorf("wait task running: %w", err)
	}
	return nil
}

func (a *AWS) Stop(ctx context.Context, taskArn string) error {
	err := a.observe(ctx, "stop_task", func(callCtx context.Context) error {
		_, stopErr := a.ecs.StopTask(callCtx, &ecs.StopTaskInput{
			Cluster: aws.String(a.opts.ClusterArn),
			Task:    aws.String(taskArn),
			Reason:  aws.String("atelier-control-plane stop"),
		})
		return stopErr
	})
	if err != nil {
		// ECS drops stopped tasks from its bookkeeping after about an
		// hour; StopTask on a dropped task fails with
		// InvalidParameterException, not a not-found code.
		if isNotFoundAWSError(err) || isTaskGoneStopError(err) {
			return nil
		}
		return fmt.Errorf("stop task: %w", err)
	}
	return nil
}

func (a *AWS) PrivateAddress(ctx context.Context, taskArn string) (string, error) {
	task, err := a.describeTask(ctx, taskArn)
	if err != nil {
		return "", err
	}
	for _, c := range task.Containers {
		for _, ni := range c.NetworkInterfaces {
			if ip := aws.ToString(ni.PrivateIpv4Address); ip != "" {
				return ip, nil
			}
		}
	}
	return "", fmt.Errorf("task %s has no private address", taskArn)
}

func (a *AWS) Status(ctx context.Context, taskArn string) (TaskStatus, error) {
	task, err := a.describeTask(ctx, taskArn)
	if err != nil {
		if isNotFoundAWSError(err) || errors.Is(err, errTaskGone) {
			return TaskStopped, nil
		}
		return "", err
	}
	switch aws.ToString(task.LastStatus) {
	case "PROVISIONING", "PENDING", "ACTIVATING":
		return TaskStarting, nil
	case "RUNNING":
		return TaskRunning, nil
	case "DEACTIVATING", "STOPPING", "DEPROVISIONING":
		return TaskStopping, nil
	default:
		return TaskStopped, nil
	}
}

// errTaskGone marks a task ECS no longer tracks. DescribeTasks reports
// such tasks under Failures (reason MISSING) instead of erroring, so
// this cannot be classified from the API error alone.
var errTaskGone = errors.New("task no longer tracked")

func (a *AWS) describeTask(ctx context.Context, taskArn string) (*ecstypes.Task, error) {
	var out *ecs.DescribeTasksOutput
	err := a.observe(ctx, "describe_tasks", func(callCtx context.Context) error {
		var descErr error
		out, descErr = a.ecs.DescribeTasks(callCtx, &ecs.DescribeTasksInput{
			Cluster: aws.String(a.opts.ClusterArn),
			Tasks:   []string{taskArn},
		})
		return descErr
	})
	if err != nil {
		return nil, fmt.Errorf("describe tasks: %w", err)
	}
	if len(out.Tasks) == 0 {
		return nil, fmt.Errorf("%w: %s", errTaskGone, taskArn)
	}
	return &out.Tasks[0], nil
}

// observe wraps a retried AWS call with latency and outcome metrics.
func (a *AWS) observe(ctx context.Context, op string, fn func(context.Context) error) error {
	start := time.Now()
	err := retryAWS(ctx, op, fn)
	metrics.ProvisionLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
	status := "ok"
	if err != nil {
		status = "error"
	}
	metrics.CloudOps.WithLabelValues(op, status).Inc()
	return err
}
