package batch

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/credentials"
	awsbatch "github.com/aws/aws-sdk-go-v2/service/batch"
	"github.com/aws/aws-sdk-go-v2/service/batch/types"
	"github.com/aws/smithy-go"
	"github.com/ethpandaops/sweepoor/pkg/config"
	"github.com/ethpandaops/sweepoor/pkg/sweep"
	"github.com/sirupsen/logrus"
)

// describeJobsLimit is the AWS Batch DescribeJobs maximum.
const describeJobsLimit = 100

// awsAPI is the subset of the AWS Batch client used here.
type awsAPI interface {
	SubmitJob(
		ctx context.Context, params *awsbatch.SubmitJobInput, optFns ...func(*awsbatch.Options),
	) (*awsbatch.SubmitJobOutput, error)
	DescribeJobs(
		ctx context.Context, params *awsbatch.DescribeJobsInput, optFns ...func(*awsbatch.Options),
	) (*awsbatch.DescribeJobsOutput, error)
}

type awsClient struct {
	log logrus.FieldLogger
	cfg *config.AWSBatchConfig
	api awsAPI
}

var (
	_ Client            = (*awsClient)(nil)
	_ BatchStatusGetter = (*awsClient)(nil)
)

// NewAWSClient creates a client for AWS Batch. The job definition supplies
// the container image; per-run command, environment and resources are sent
// as overrides.
func NewAWSClient(log logrus.FieldLogger, cfg *config.AWSBatchConfig) Client {
	api := awsbatch.New(awsbatch.Options{}, func(o *awsbatch.Options) {
		if cfg.Region != "" {
			o.Region = cfg.Region
		} else {
			o.Region = "us-east-1"
		}

		if cfg.EndpointURL != "" {
			o.BaseEndpoint = aws.String(cfg.EndpointURL)
		}

		if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
			o.Credentials = credentials.NewStaticCredentialsProvider(
				cfg.AccessKeyID, cfg.SecretAccessKey, "",
			)
		}

		// Retries are owned by the submitter and the monitor.
		o.Retryer = aws.NopRetryer{}
	})

	return newAWSClient(log, cfg, api)
}

func newAWSClient(log logrus.FieldLogger, cfg *config.AWSBatchConfig, api awsAPI) *awsClient {
	return &awsClient{
		log: log.WithField("component", "aws-batch"),
		cfg: cfg,
		api: api,
	}
}

// SubmitJob implements Client.
func (c *awsClient) SubmitJob(ctx context.Context, req *JobRequest) (string, error) {
	out, err := c.api.SubmitJob(ctx, c.submitInput(req))
	if err != nil {
		return "", classifyAWSError(err)
	}

	if out.JobId == nil {
		return "", fmt.Errorf("%w: submit response has no job id", ErrPermanent)
	}

	c.log.WithFields(logrus.Fields{
		"job_name": req.Name,
		"job_id":   *out.JobId,
	}).Debug("Submitted job")

	return *out.JobId, nil
}

func (c *awsClient) submitInput(req *JobRequest) *awsbatch.SubmitJobInput {
	env := make([]types.KeyValuePair, 0, len(req.Env))
	for _, k := range sortedKeys(req.Env) {
		env = append(env, types.KeyValuePair{
			Name:  aws.String(k),
			Value: aws.String(req.Env[k]),
		})
	}

	var resources []types.ResourceRequirement

	if req.Shape.VCPUs > 0 {
		resources = append(resources, types.ResourceRequirement{
			Type:  types.ResourceTypeVcpu,
			Value: aws.String(strconv.Itoa(req.Shape.VCPUs)),
		})
	}

	if req.Shape.MemoryBytes > 0 {
		resources = append(resources, types.ResourceRequirement{
			Type:  types.ResourceTypeMemory,
			Value: aws.String(strconv.FormatInt(req.Shape.MemoryBytes/(1024*1024), 10)),
		})
	}

	if req.Shape.AcceleratorCount > 0 {
		resources = append(resources, types.ResourceRequirement{
			Type:  types.ResourceTypeGpu,
			Value: aws.String(strconv.Itoa(req.Shape.AcceleratorCount)),
		})
	}

	overrides := &types.ContainerOverrides{
		Command:              req.Command,
		Environment:          env,
		ResourceRequirements: resources,
	}

	input := &awsbatch.SubmitJobInput{
		JobName:       aws.String(req.Name),
		JobQueue:      aws.String(c.cfg.JobQueue),
		JobDefinition: aws.String(c.cfg.JobDefinition),
		Tags:          req.Labels,
	}

	if req.MaxRetries > 0 {
		// Attempts counts the first try.
		input.RetryStrategy = &types.RetryStrategy{
			Attempts: aws.Int32(int32(min(req.MaxRetries+1, 10))), //nolint:gosec // bounded
		}
	}

	if req.Nodes > 1 {
		input.NodeOverrides = &types.NodeOverrides{
			NumNodes: aws.Int32(int32(req.Nodes)), //nolint:gosec // validated positive
			NodePropertyOverrides: []types.NodePropertyOverride{{
				TargetNodes:        aws.String("0:"),
				ContainerOverrides: overrides,
			}},
		}
	} else {
		input.ContainerOverrides = overrides
	}

	return input
}

// GetStatus implements Client.
func (c *awsClient) GetStatus(ctx context.Context, jobID string) (sweep.JobState, error) {
	states, err := c.GetStatuses(ctx, []string{jobID})
	if err != nil {
		return sweep.JobPending, err
	}

	state, ok := states[jobID]
	if !ok {
		return sweep.JobPending, fmt.Errorf("%w: job %s not found", ErrTransient, jobID)
	}

	return state, nil
}

// GetStatuses implements BatchStatusGetter.
func (c *awsClient) GetStatuses(ctx context.Context, jobIDs []string) (map[string]sweep.JobState, error) {
	if len(jobIDs) > describeJobsLimit {
		return nil, fmt.Errorf("%w: %d job ids exceed the limit of %d", ErrPermanent, len(jobIDs), describeJobsLimit)
	}

	out, err := c.api.DescribeJobs(ctx, &awsbatch.DescribeJobsInput{Jobs: jobIDs})
	if err != nil {
		return nil, classifyAWSError(err)
	}

	states := make(map[string]sweep.JobState, len(out.Jobs))

	for _, job := range out.Jobs {
		if job.JobId == nil {
			continue
		}

		state, ok := mapAWSStatus(job.Status)
		if !ok {
			c.log.WithFields(logrus.Fields{
				"job_id": *job.JobId,
				"status": job.Status,
			}).Warn("Unknown job status")

			continue
		}

		states[*job.JobId] = state
	}

	return states, nil
}

// MaxBatch implements BatchStatusGetter.
func (c *awsClient) MaxBatch() int {
	return describeJobsLimit
}

func mapAWSStatus(s types.JobStatus) (sweep.JobState, bool) {
	switch s {
	case types.JobStatusSubmitted, types.JobStatusPending, types.JobStatusRunnable, types.JobStatusStarting:
		return sweep.JobPending, true
	case types.JobStatusRunning:
		return sweep.JobRunning, true
	case types.JobStatusSucceeded:
		return sweep.JobSucceeded, true
	case types.JobStatusFailed:
		return sweep.JobFailed, true
	default:
		return sweep.JobPending, false
	}
}

// throttlingCodes are API error codes that indicate rate limiting.
var throttlingCodes = map[string]struct{}{
	"Throttling":                             {},
	"ThrottlingException":                    {},
	"ThrottledException":                     {},
	"TooManyRequestsException":               {},
	"RequestLimitExceeded":                   {},
	"ProvisionedThroughputExceededException": {},
	"SlowDown":                               {},
}

// classifyAWSError wraps err in ErrTransient or ErrPermanent.
func classifyAWSError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrPermanent, err)
	}

	var serverErr *types.ServerException
	if errors.As(err, &serverErr) {
		return fmt.Errorf("%w: %w", ErrTransient, err)
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		if _, ok := throttlingCodes[apiErr.ErrorCode()]; ok {
			return fmt.Errorf("%w: %w", ErrTransient, err)
		}

		if apiErr.ErrorFault() == smithy.FaultServer {
			return fmt.Errorf("%w: %w", ErrTransient, err)
		}
	}

	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		if respErr.HTTPStatusCode() >= 500 || respErr.HTTPStatusCode() == 429 {
			return fmt.Errorf("%w: %w", ErrTransient, err)
		}

		return fmt.Errorf("%w: %w", ErrPermanent, err)
	}

	if apiErr != nil {
		return fmt.Errorf("%w: %w", ErrPermanent, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return fmt.Errorf("%w: %w", ErrTransient, err)
	}

	// No API response at all: the request never reached the service.
	return fmt.Errorf("%w: %w", ErrTransient, err)
}
