package app

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	log "github.com/sirupsen/logrus"

	"github.com/altidigitech-ui/leak-detector/app/models"
)

// JobQueue dispatches analysis jobs to the worker fleet.
type JobQueue interface {
	EnqueueAnalysis(ctx context.Context, job models.AnalysisJob) error
}

// SQSQueue is the production queue. The API enqueues; the worker long-polls
// with ReceiveJobs and acknowledges with DeleteMessage.
type SQSQueue struct {
	client *sqs.Client
	url    string
}

func NewSQSQueue(ctx context.Context, queueURL string) (*SQSQueue, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}
	return &SQSQueue{client: sqs.NewFromConfig(awsCfg), url: queueURL}, nil
}

func (q *SQSQueue) EnqueueAnalysis(ctx context.Context, job models.AnalysisJob) error {
	body, err := json.Marshal(job)
	if err != nil {
		return err
	}
	_, err = q.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(q.url),
		MessageBody: aws.String(string(body)),
	})
	if err != nil {
		return fmt.Errorf("enqueueing analysis %s: %w", job.AnalysisID, err)
	}
	log.WithField("analysis_id", job.AnalysisID).Info("analysis_enqueued")
	return nil
}

// ReceiveJobs long-polls for up to max messages. visibilityTimeout must be
// at least the worker's hard time limit so a crashed job is redelivered
// rather than double-processed.
func (q *SQSQueue) ReceiveJobs(ctx context.Context, max int32, waitSeconds int32, visibilityTimeout int32) ([]types.Message, error) {
	out, err := q.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(q.url),
		MaxNumberOfMessages: max,
		WaitTimeSeconds:     waitSeconds,
		VisibilityTimeout:   visibilityTimeout,
	})
	if err != nil {
		return nil, err
	}
	return out.Messages, nil
}

func (q *SQSQueue) DeleteMessage(ctx context.Context, receiptHandle string) error {
	_, err := q.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(q.url),
		ReceiptHandle: aws.String(receiptHandle),
	})
	return err
}
