package messaging

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
)

// SQSBroker implements Broker on AWS SQS. Queue names are resolved to URLs
// lazily and cached for the broker's lifetime.
type SQSBroker struct {
	client     *sqs.Client
	visibility time.Duration

	mu   sync.Mutex
	urls map[string]string
}

// NewSQSBroker builds an SQS broker using the default AWS credential chain.
func NewSQSBroker(ctx context.Context, visibility time.Duration) (*SQSBroker, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("sqs: load aws config: %w", err)
	}
	return &SQSBroker{
		client:     sqs.NewFromConfig(awsCfg),
		visibility: visibility,
		urls:       make(map[string]string),
	}, nil
}

func (b *SQSBroker) queueURL(ctx context.Context, queue string) (string, error) {
	b.mu.Lock()
	url, ok := b.urls[queue]
	b.mu.Unlock()
	if ok {
		return url, nil
	}

	out, err := b.client.GetQueueUrl(ctx, &sqs.GetQueueUrlInput{QueueName: aws.String(queue)})
	if err != nil {
		return "", fmt.Errorf("sqs: resolve queue %s: %w", queue, err)
	}

	b.mu.Lock()
	b.urls[queue] = *out.QueueUrl
	b.mu.Unlock()
	return *out.QueueUrl, nil
}

func (b *SQSBroker) Send(ctx context.Context, queue string, body []byte) error {
	url, err := b.queueURL(ctx, queue)
	if err != nil {
		return err
	}
	_, err = b.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(url),
		MessageBody: aws.String(string(body)),
	})
	if err != nil {
		return fmt.Errorf("sqs: send to %s: %w", queue, err)
	}
	return nil
}

func (b *SQSBroker) Receive(ctx context.Context, queue string, maxCount int, maxWait time.Duration) ([]*Message, error) {
	url, err := b.queueURL(ctx, queue)
	if err != nil {
		return nil, err
	}
	if maxCount <= 0 {
		maxCount = 1
	}
	if maxCount > 10 {
		maxCount = 10
	}
	wait := int32(maxWait.Seconds())
	if wait > 20 {
		wait = 20
	}

	out, err := b.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(url),
		MaxNumberOfMessages: int32(maxCount),
		WaitTimeSeconds:     wait,
		VisibilityTimeout:   int32(b.visibility.Seconds()),
	})
	if err != nil {
		return nil, fmt.Errorf("sqs: receive from %s: %w", queue, err)
	}

	msgs := make([]*Message, 0, len(out.Messages))
	for _, m := range out.Messages {
		msgs = append(msgs, &Message{
			ID:      aws.ToString(m.MessageId),
			Queue:   queue,
			Body:    []byte(aws.ToString(m.Body)),
			Receipt: aws.ToString(m.ReceiptHandle),
		})
	}
	return msgs, nil
}

func (b *SQSBroker) Ack(ctx context.Context, msg *Message) error {
	url, err := b.queueURL(ctx, msg.Queue)
	if err != nil {
		return err
	}
	_, err = b.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(url),
		ReceiptHandle: aws.String(msg.Receipt),
	})
	if err != nil {
		return fmt.Errorf("sqs: ack %s: %w", msg.ID, err)
	}
	return nil
}

func (b *SQSBroker) Close() error { return nil }
