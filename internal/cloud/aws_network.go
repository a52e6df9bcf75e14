package cloud

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	elbv2 "github.com/aws/aws-sdk-go-v2/service/elasticloadbalancingv2"
	elbv2types "github.com/aws/aws-sdk-go-v2/service/elasticloadbalancingv2/types"
	"github.com/aws/aws-sdk-go-v2/service/route53"
	r53types "github.com/aws/aws-sdk-go-v2/service/route53/types"
)

func (a *AWS) CreateTarget(ctx context.Context, name string) (string, error) {
	var out *elbv2.CreateTargetGroupOutput
	err := a.observe(ctx, "create_target_group", func(callCtx context.Context) error {
		var tgErr error
		out, tgErr = a.elb.CreateTargetGroup(callCtx, &elbv2.CreateTargetGroupInput{
			Name:                aws.String(name),
			Protocol:            elbv2types.ProtocolEnumHttp,
			Port:                aws.Int32(8443),
			VpcId:               aws.String(a.opts.VpcID),
			TargetType:          elbv2types.TargetTypeEnumIp,
			HealthCheckPath:     aws.String("/healthz"),
			HealthCheckProtocol: elbv2types.ProtocolEnumHttp,
		})
		return tgErr
	})
	if err != nil {
		return "", fmt.Errorf("create target group: %w", err)
	}
	if len(out.TargetGroups) == 0 {
		return "", fmt.Errorf("create target group: no group returned")
	}
	return aws.ToString(out.TargetGroups[0].TargetGroupArn), nil
}

func (a *AWS) Bind(ctx context.Context, targetGroupArn, address string) error {
	err := a.observe(ctx, "register_targets", func(callCtx context.Context) error {
		_, regErr := a.elb.RegisterTargets(callCtx, &elbv2.RegisterTargetsInput{
			TargetGroupArn: aws.String(targetGroupArn),
			Targets: []elbv2types.TargetDescription{
				{Id: aws.String(address), Port: aws.Int32(8443)},
			},
		})
		return regErr
	})
	if err != nil {
		return fmt.Errorf("register targets: %w", err)
	}
	return nil
}

func (a *AWS) Unbind(ctx context.Context, targetGroupArn, address string) error {
	err := a.observe(ctx, "deregister_targets", func(callCtx context.Context) error {
		_, deregErr := a.elb.DeregisterTargets(callCtx, &elbv2.DeregisterTargetsInput{
			TargetGroupArn: aws.String(targetGroupArn),
			Targets: []elbv2types.TargetDescription{
				{Id: aws.String(address), Port: aws.Int32(8443)},
			},
		})
		return deregErr
	})
	if err != nil {
		if isNotFoundAWSError(err) {
			return nil
		}
		return fmt.Errorf("deregister targets: %w", err)
	}
	return nil
}

func (a *AWS) CreateRule(ctx context.Context, host, targetGroupArn string, priority int) (string, error) {
	var out *elbv2.CreateRuleOutput
	err := a.observe(ctx, "create_rule", func(callCtx context.Context) error {
		var ruleErr error
		out, ruleErr = a.elb.CreateRule(callCtx, &elbv2.CreateRuleInput{
			ListenerArn: aws.String(a.opts.ListenerArn),
			Priority:    aws.Int32(int32(priority)),
			Conditions: []elbv2types.RuleCondition{
				{
					Field:            aws.String("host-header"),
					HostHeaderConfig: &elbv2types.HostHeaderConditionConfig{Values: []string{host}},
				},
			},
			Actions: []elbv2types.Action{
				{Type: elbv2types.ActionTypeEnumForward, TargetGroupArn: aws.String(targetGroupArn)},
			},
		})
		return ruleErr
	})
	if err != nil {
		return "", fmt.Errorf("create rule: %w", err)
	}
	if len(out.Rules) == 0 {
		return "", fmt.Errorf("create rule: no rule returned")
	}
	return aws.ToString(out.Rules[0].RuleArn), nil
}

func (a *AWS) DeleteRule(ctx context.Context, ruleArn string) error {
	err := a.observe(ctx, "delete_rule", func(callCtx context.Context) error {
		_, delErr := a.elb.DeleteRule(callCtx, &elbv2.DeleteRuleInput{RuleArn: aws.String(ruleArn)})
		return delErr
	})
	if err != nil {
		if isNotFoundAWSError(err) {
			return nil
		}
		return fmt.Errorf("delete rule: %w", err)
	}
	return nil
}

func (a *AWS) DeleteTarget(ctx context.Context, targetGroupArn string) error {
	err := a.observe(ctx, "delete_target_group", func(callCtx context.Context) error {
		_, delErr := a.elb.DeleteTargetGroup(callCtx, &elbv2.DeleteTargetGroupInput{
			TargetGroupArn: aws.String(targetGroupArn),
		})
		return delErr
	})
	if err != nil {
		if isNotFoundAWSError(err) {
			return nil
		}
		return fmt.Errorf("delete target group: %w", err)
	}
	return nil
}

// awsDNS adapts the shared Route53 client to the DNS interface; a
// separate type because Delete would otherwise collide with the
// Secrets interface on *AWS.
type awsDNS struct {
	a *AWS
}

func (d awsDNS) Upsert(ctx context.Context, host, endpoint string) error {
	return d.a.changeRecord(ctx, "dns_upsert", r53types.ChangeActionUpsert, host, endpoint)
}

func (d awsDNS) Delete(ctx context.Context, host string) error {
	// Route53 deletes need the record's current value; look it up first.
	existing, err := d.a.lookupRecord(ctx, host)
	if err != nil {
		return err
	}
	if existing == "" {
		return nil
	}
	err = d.a.changeRecord(ctx, "dns_delete", r53types.ChangeActionDelete, host, existing)
	if err != nil && isNotFoundAWSError(err) {
		return nil
	}
	return err
}

func (a *AWS) changeRecord(ctx context.Context, op string, action r53types.ChangeAction, host, value string) error {
	err := a.observe(ctx, op, func(callCtx context.Context) error {
		_, chErr := a.r53.ChangeResourceRecordSets(callCtx, &route53.ChangeResourceRecordSetsInput{
			HostedZoneId: aws.String(a.opts.HostedZoneID),
			ChangeBatch: &r53types.ChangeBatch{
				Changes: []r53types.Change{
					{
						Action: action,
						ResourceRecordSet: &r53types.ResourceRecordSet{
							Name:            aws.String(host),
							Type:            r53types.RRTypeCname,
							TTL:             aws.Int64(60),
							ResourceRecords: []r53types.ResourceRecord{{Value: aws.String(value)}},
						},
					},
				},
			},
		})
		return chErr
	})
	if err != nil {
		return fmt.Errorf("%s %s: %w", op, host, err)
	}
	return nil
}

func (a *AWS) lookupRecord(ctx context.Context, host string) (string, error) {
	var out *route53.ListResourceRecordSetsOutput
	err := a.observe(ctx, "dns_lookup", func(callCtx context.Context) error {
		var listErr error
		out, listErr = a.r53.ListResourceRecordSets(callCtx, &route53.ListResourceRecordSetsInput{
			HostedZoneId:    aws.String(a.opts.HostedZoneID),
			StartRecordName: aws.String(host),
			StartRecordType: r53types.RRTypeCname,
			MaxItems:        aws.Int32(1),
		})
		return listErr
	})
	if err != nil {
		return "", fmt.Errorf("list record sets: %w", err)
	}
	for _, rs := range out.ResourceRecordSets {
		if strings.TrimSuffix(aws.ToString(rs.Name), ".") != strings.TrimSuffix(host, ".") {
			continue
		}
		if len(rs.ResourceRecords) > 0 {
			return aws.ToString(rs.ResourceRecords[0].Value), nil
		}
	}
	return "", nil
}
