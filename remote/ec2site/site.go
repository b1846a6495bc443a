// Package ec2site implements remote.Site on EC2. Each simulation job runs on
// its own instance: the worker input document travels in the instance user
// data, the worker writes its outputs to a shared artifact filesystem and the
// instance stops itself when the worker exits. Job state is derived from the
// instance state plus a success marker on the artifact filesystem.
package ec2site

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/rs/zerolog"

	"inversion-orchestrator/remote"
)

// Config holds the site settings
type Config struct {
	Region       string
	InstanceType string
	AMI          string
	WorkerPath   string // worker binary path baked into the AMI
	ArtifactRoot string // shared filesystem visible to orchestrator and instances
}

// Site submits simulation jobs as EC2 instances
type Site struct {
	ec2Client *ec2.Client
	cfg       Config
	log       zerolog.Logger
}

// New creates an EC2-backed site.
func New(ctx context.Context, cfg Config, log zerolog.Logger) (*Site, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("ec2site: loading aws config: %w", err)
	}
	return &Site{
		ec2Client: ec2.NewFromConfig(awsCfg),
		cfg:       cfg,
		log:       log.With().Str("component", "ec2site").Logger(),
	}, nil
}

// Submit launches one instance for the job and returns its instance ID.
func (s *Site) Submit(ctx context.Context, spec remote.JobSpec) (string, error) {
	input := &ec2.RunInstancesInput{
		ImageId:      aws.String(s.cfg.AMI),
		InstanceType: types.InstanceType(s.cfg.InstanceType),
		MinCount:     aws.Int32(1),
		MaxCount:     aws.Int32(1),
		InstanceInitiatedShutdownBehavior: types.ShutdownBehaviorStop,
		UserData:     aws.String(s.userData(spec)),
		TagSpecifications: []types.TagSpecification{
			{
				ResourceType: types.ResourceTypeInstance,
				Tags: []types.Tag{
					{Key: aws.String("Name"), Value: aws.String(spec.Name)},
					{Key: aws.String("Iteration"), Value: aws.String(spec.Iteration)},
					{Key: aws.String("Event"), Value: aws.String(spec.EventID)},
					{Key: aws.String("Kind"), Value: aws.String(spec.Kind)},
					{Key: aws.String("ManagedBy"), Value: aws.String("inversion-orchestrator")},
				},
			},
		},
	}

	result, err := s.ec2Client.RunInstances(ctx, input)
	if err != nil {
		return "", fmt.Errorf("ec2site: submitting %s: %w", spec.Name, err)
	}
	if len(result.Instances) == 0 {
		return "", fmt.Errorf("ec2site: no instance returned for %s", spec.Name)
	}
	id := aws.ToString(result.Instances[0].InstanceId)
	s.log.Info().Str("job", spec.Name).Str("instance", id).Msg("job submitted")
	return id, nil
}

// Status maps the instance state to a job state. A stopped or terminated
// instance is done only if the worker left its success marker on the
// artifact filesystem.
func (s *Site) Status(ctx context.Context, remoteID string) (remote.JobState, error) {
	out, err := s.ec2Client.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
		InstanceIds: []string{remoteID},
	})
	if err != nil {
		return "", fmt.Errorf("ec2site: describing %s: %w", remoteID, err)
	}

	var inst *types.Instance
	for _, res := range out.Reservations {
		for i := range res.Instances {
			inst = &res.Instances[i]
		}
	}
	if inst == nil {
		return "", fmt.Errorf("ec2site: instance %s not found", remoteID)
	}

	switch inst.State.Name {
	case types.InstanceStateNamePending:
		return remote.StatePending, nil
	case types.InstanceStateNameRunning:
		return remote.StateRunning, nil
	case types.InstanceStateNameStopping, types.InstanceStateNameShuttingDown:
		return remote.StateRunning, nil
	case types.InstanceStateNameStopped, types.InstanceStateNameTerminated:
		if s.hasSuccessMarker(jobName(inst)) {
			return remote.StateDone, nil
		}
		return remote.StateFailed, nil
	default:
		return remote.StatePending, nil
	}
}

// FetchArtifact copies the job's output document from the shared artifact
// filesystem to dest.
func (s *Site) FetchArtifact(ctx context.Context, remoteID string, dest string) error {
	out, err := s.ec2Client.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
		InstanceIds: []string{remoteID},
	})
	if err != nil {
		return fmt.Errorf("ec2site: describing %s: %w", remoteID, err)
	}
	name := ""
	for _, res := range out.Reservations {
		for i := range res.Instances {
			name = jobName(&res.Instances[i])
		}
	}
	if name == "" {
		return fmt.Errorf("ec2site: instance %s has no job name tag", remoteID)
	}

	src := filepath.Join(s.cfg.ArtifactRoot, name, "output", "artifact")
	if err := copyFile(src, dest); err != nil {
		return fmt.Errorf("ec2site: fetching artifact for %s: %w", name, err)
	}
	return nil
}

// Cancel terminates the job's instance. Never called automatically.
func (s *Site) Cancel(ctx context.Context, remoteID string) error {
	_, err := s.ec2Client.TerminateInstances(ctx, &ec2.TerminateInstancesInput{
		InstanceIds: []string{remoteID},
	})
	if err != nil {
		return fmt.Errorf("ec2site: cancelling %s: %w", remoteID, err)
	}
	s.log.Warn().Str("instance", remoteID).Msg("job cancelled")
	return nil
}

func (s *Site) hasSuccessMarker(name string) bool {
	if name == "" {
		return false
	}
	_, err := os.Stat(filepath.Join(s.cfg.ArtifactRoot, name, "SUCCESS"))
	return err == nil
}

// userData builds the boot script: decode the input document, run the worker,
// leave a success marker, stop the instance either way.
func (s *Site) userData(spec remote.JobSpec) string {
	encoded := base64.StdEncoding.EncodeToString(spec.InputDoc)
	jobDir := filepath.Join(s.cfg.ArtifactRoot, spec.Name)
	script := fmt.Sprintf(`#!/bin/bash
set -u
mkdir -p %[1]s/output
echo %[2]s | base64 -d > %[1]s/input.toml
cd %[1]s
if %[3]s %[1]s/input.toml; then
    touch %[1]s/SUCCESS
fi
shutdown -h now
`, jobDir, encoded, s.cfg.WorkerPath)
	return base64.StdEncoding.EncodeToString([]byte(script))
}

func jobName(inst *types.Instance) string {
	for _, tag := range inst.Tags {
		if aws.ToString(tag.Key) == "Name" {
			return aws.ToString(tag.Value)
		}
	}
	return ""
}

func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	defer out.Close()
	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Close()
}
