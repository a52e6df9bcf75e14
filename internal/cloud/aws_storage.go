package cloud

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/efs"
	efstypes "github.com/aws/aws-sdk-go-v2/service/efs/types"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	smtypes "github.com/aws/aws-sdk-go-v2/service/secretsmanager/types"

	"github.com/atelierhq/atelier-control-plane/internal/fault"
)

func (a *AWS) CreateAccessPoint(ctx context.Context, userID string) (string, error) {
	var out *efs.CreateAccessPointOutput
	err := a.observe(ctx, "create_access_point", func(callCtx context.Context) error {
		var apErr error
		out, apErr = a.efs.CreateAccessPoint(callCtx, &efs.CreateAccessPointInput{
			FileSystemId: aws.String(a.opts.FileSystemID),
			PosixUser:    &efstypes.PosixUser{Uid: aws.Int64(1000), Gid: aws.Int64(1000)},
			RootDirectory: &efstypes.RootDirectory{
				Path: aws.String("/users/" + userID),
				CreationInfo: &efstypes.CreationInfo{
					OwnerUid:    aws.Int64(1000),
					OwnerGid:    aws.Int64(1000),
					Permissions: aws.String("750"),
				},
			},
			Tags: []efstypes.Tag{
				{Key: aws.String("ManagedBy"), Value: aws.String("atelier-control-plane")},
				{Key: aws.String("AtelierUserID"), Value: aws.String(userID)},
			},
		})
		return apErr
	})
	if err != nil {
		return "", fmt.Errorf("create access point: %w", err)
	}
	return aws.ToString(out.AccessPointId), nil
}

func (a *AWS) PurgeAndDelete(ctx context.Context, accessPointID, userID string) error {
	// Content purge happens via the filesystem's lifecycle policy on the
	// user's root directory; the control plane only removes the access
	// point that scoped it.
	err := a.observe(ctx, "delete_access_point", func(callCtx context.Context) error {
		_, delErr := a.efs.DeleteAccessPoint(callCtx, &efs.DeleteAccessPointInput{
			AccessPointId: aws.String(accessPointID),
		})
		return delErr
	})
	if err != nil {
		if isNotFoundAWSError(err) {
			return nil
		}
		return fmt.Errorf("delete access point for %s: %w", userID, err)
	}
	return nil
}

func (a *AWS) CreateBucket(ctx context.Context, userID string) (string, error) {
	bucket := "atelier-workspace-" + userID
	input := &s3.CreateBucketInput{Bucket: aws.String(bucket)}
	// us-east-1 rejects an explicit location constraint.
	if a.opts.Region != "us-east-1" {
		input.CreateBucketConfiguration = &s3types.CreateBucketConfiguration{
			LocationConstraint: s3types.BucketLocationConstraint(a.opts.Region),
		}
	}
	err := a.observe(ctx, "create_bucket", func(callCtx context.Context) error {
		_, mkErr := a.s3.CreateBucket(callCtx, input)
		return mkErr
	})
	if err != nil {
		var owned *s3types.BucketAlreadyOwnedByYou
		if errors.As(err, &owned) {
			return bucket, nil
		}
		return "", fmt.Errorf("create bucket: %w", err)
	}
	return bucket, nil
}

func (a *AWS) DeleteBucket(ctx context.Context, bucket string) error {
	if err := a.emptyBucket(ctx, bucket); err != nil {
		if isNotFoundAWSError(err) {
			return nil
		}
		return err
	}
	err := a.observe(ctx, "delete_bucket", func(callCtx context.Context) error {
		_, delErr := a.s3.DeleteBucket(callCtx, &s3.DeleteBucketInput{Bucket: aws.String(bucket)})
		return delErr
	})
	if err != nil {
		if isNotFoundAWSError(err) {
			return nil
		}
		return fmt.Errorf("delete bucket: %w", err)
	}
	return nil
}

func (a *AWS) emptyBucket(ctx context.Context, bucket string) error {
	paginator := s3.NewListObjectsV2Paginator(a.s3, &s3.ListObjectsV2Input{Bucket: aws.String(bucket)})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return fmt.Errorf("list objects: %w", err)
		}
		if len(page.Contents) == 0 {
			continue
		}
		objects := make([]s3types.ObjectIdentifier, 0, len(page.Contents))
		for _, obj := range page.Contents {
			objects = append(objects, s3types.ObjectIdentifier{Key: obj.Key})
		}
		if _, err := a.s3.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(bucket),
			Delete: &s3types.Delete{Objects: objects, Quiet: aws.Bool(true)},
		}); err != nil {
			return fmt.Errorf("delete objects: %w", err)
		}
	}
	return nil
}

func (a *AWS) PublicURL(bucket string) string {
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com", bucket, a.opts.Region)
}

const bucketScopePolicy = `{
  "Version": "2012-10-17",
  "Statement": [
    {
      "Effect": "Allow",
      "Action": ["s3:GetObject", "s3:PutObject", "s3:DeleteObject", "s3:ListBucket"],
      "Resource": ["arn:aws:s3:::%[1]s", "arn:aws:s3:::%[1]s/*"]
    }
  ]
}`

func (a *AWS) CreateScopedCredential(ctx context.Context, userID, bucket string) (Credential, error) {
	userName := "atelier-" + userID
	err := a.observe(ctx, "create_iam_user", func(callCtx context.Context) error {
		_, mkErr := a.iam.CreateUser(callCtx, &iam.CreateUserInput{
			UserName: aws.String(userName),
			Path:     aws.String("/atelier/"),
		})
		return mkErr
	})
	if err != nil && awsErrorCode(err) != "EntityAlreadyExists" {
		return Credential{}, fmt.Errorf("create iam user: %w", err)
	}

	err = a.observe(ctx, "put_user_policy", func(callCtx context.Context) error {
		_, polErr := a.iam.PutUserPolicy(callCtx, &iam.PutUserPolicyInput{
			UserName:       aws.String(userName),
			PolicyName:     aws.String("workspace-bucket-scope"),
			PolicyDocument: aws.String(fmt.Sprintf(bucketScopePolicy, bucket)),
		})
		return polErr
	})
	if err != nil {
		return Credential{}, fmt.Errorf("put user policy: %w", err)
	}

	var keyOut *iam.CreateAccessKeyOutput
	err = a.observe(ctx, "create_access_key", func(callCtx context.Context) error {
		var keyErr error
		keyOut, keyErr = a.iam.CreateAccessKey(callCtx, &iam.CreateAccessKeyInput{
			UserName: aws.String(userName),
		})
		return keyErr
	})
	if err != nil {
		return Credential{}, fmt.Errorf("create access key: %w", err)
	}
	return Credential{
		AccessKey: aws.ToString(keyOut.AccessKey.AccessKeyId),
		SecretKey: aws.ToString(keyOut.AccessKey.SecretAccessKey),
	}, nil
}

func (a *AWS) DeleteScopedCredential(ctx context.Context, userID string) error {
	userName := "atelier-" + userID

	var keys *iam.ListAccessKeysOutput
	err := a.observe(ctx, "list_access_keys", func(callCtx context.Context) error {
		var listErr error
		keys, listErr = a.iam.ListAccessKeys(callCtx, &iam.ListAccessKeysInput{
			UserName: aws.String(userName),
		})
		return listErr
	})
	if err != nil {
		if isNotFoundAWSError(err) {
			return nil
		}
		return fmt.Errorf("list access keys: %w", err)
	}
	for _, md := range keys.AccessKeyMetadata {
		if _, err := a.iam.DeleteAccessKey(ctx, &iam.DeleteAccessKeyInput{
			UserName:    aws.String(userName),
			AccessKeyId: md.AccessKeyId,
		}); err != nil && !isNotFoundAWSError(err) {
			return fmt.Errorf("delete access key: %w", err)
		}
	}

	if _, err := a.iam.DeleteUserPolicy(ctx, &iam.DeleteUserPolicyInput{
		UserName:   aws.String(userName),
		PolicyName: aws.String("workspace-bucket-scope"),
	}); err != nil && !isNotFoundAWSError(err) {
		return fmt.Errorf("delete user policy: %w", err)
	}
	if _, err := a.iam.DeleteUser(ctx, &iam.DeleteUserInput{UserName: aws.String(userName)}); err != nil && !isNotFoundAWSError(err) {
		return fmt.Errorf("delete iam user: %w", err)
	}
	return nil
}

func secretName(userID string) string {
	return "atelier/user/" + userID
}

// awsSecrets adapts the shared Secrets Manager client to the Secrets
// interface, keeping its Delete distinct from the DNS one.
type awsSecrets struct {
	a *AWS
}

func (s awsSecrets) Put(ctx context.Context, userID string, payload []byte) (string, error) {
	a := s.a
	var out *secretsmanager.CreateSecretOutput
	err := a.observe(ctx, "create_secret", func(callCtx context.Context) error {
		var mkErr error
		out, mkErr = a.secrets.CreateSecret(callCtx, &secretsmanager.CreateSecretInput{
			Name:         aws.String(secretName(userID)),
			SecretString: aws.String(string(payload)),
		})
		return mkErr
	})
	if err != nil {
		var exists *smtypes.ResourceExistsException
		if !errors.As(err, &exists) {
			return "", fmt.Errorf("create secret: %w", err)
		}
		if _, putErr := a.secrets.PutSecretValue(ctx, &secretsmanager.PutSecretValueInput{
			SecretId:     aws.String(secretName(userID)),
			SecretString: aws.String(string(payload)),
		}); putErr != nil {
			return "", fmt.Errorf("put secret value: %w", putErr)
		}
		return secretName(userID), nil
	}
	return aws.ToString(out.ARN), nil
}

func (s awsSecrets) Get(ctx context.Context, userID string) ([]byte, error) {
	a := s.a
	var out *secretsmanager.GetSecretValueOutput
	err := a.observe(ctx, "get_secret", func(callCtx context.Context) error {
		var getErr error
		out, getErr = a.secrets.GetSecretValue(callCtx, &secretsmanager.GetSecretValueInput{
			SecretId: aws.String(secretName(userID)),
		})
		return getErr
	})
	if err != nil {
		var missing *smtypes.ResourceNotFoundException
		if errors.As(err, &missing) {
			return nil, fault.NotFoundf("secret for user %s", userID)
		}
		return nil, fmt.Errorf("get secret: %w", err)
	}
	return []byte(aws.ToString(out.SecretString)), nil
}

func (s awsSecrets) Delete(ctx context.Context, secretRef string) error {
	a := s.a
	err := a.observe(ctx, "delete_secret", func(callCtx context.Context) error {
		_, delErr := a.secrets.DeleteSecret(callCtx, &secretsmanager.DeleteSecretInput{
			SecretId:                   aws.String(secretRef),
			ForceDeleteWithoutRecovery: aws.Bool(true),
		})
		return delErr
	})
	if err != nil {
		if isNotFoundAWSError(err) {
			return nil
		}
		return fmt.Errorf("delete secret: %w", err)
	}
	return nil
}
