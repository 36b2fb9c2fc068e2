package queues

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/michaelneumaier/mixpitch-sub012/logging"
	"github.com/michaelneumaier/mixpitch-sub012/models"
	"github.com/michaelneumaier/mixpitch-sub012/services"
)

// SQSCompletionNotifier publishes UploadCompletedEvent to the assembly
// queue. It satisfies services.CompletionNotifier.
type SQSCompletionNotifier struct {
	client   *sqs.Client
	queueUrl string
}

func NewSQSCompletionNotifier(client *sqs.Client, queueUrl string) *SQSCompletionNotifier {
	return &SQSCompletionNotifier{client: client, queueUrl: queueUrl}
}

func (n *SQSCompletionNotifier) NotifyComplete(ctx context.Context, sessionID string) error {
	body, err := json.Marshal(models.UploadCompletedEvent{SessionID: sessionID})
	if err != nil {
		return err
	}

	_, err = n.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(n.queueUrl),
		MessageBody: aws.String(string(body)),
	})
	return err
}

// AssemblyReceiver long-polls the assembly queue and triggers assembly for
// each completed session it hears about.
type AssemblyReceiver struct {
	client   *sqs.Client
	assembly *services.AssemblyService
	queueUrl string

	logger logging.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewAssemblyReceiver(
	parent context.Context,
	client *sqs.Client,
	assembly *services.AssemblyService,
	queueUrl string,
	l logging.Logger,
) *AssemblyReceiver {

	ctx, cancel := context.WithCancel(parent)

	return &AssemblyReceiver{
		client:   client,
		assembly: assembly,
		queueUrl: queueUrl,
		logger:   l,
		ctx:      ctx,
		cancel:   cancel,
	}
}

func (r *AssemblyReceiver) Start() {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		_ = r.pollLoop()
	}()
}

func (r *AssemblyReceiver) pollLoop() error {
	for {
		select {
		case <-r.ctx.Done():
			return r.ctx.Err()
		default:
		}

		out, err := r.client.ReceiveMessage(r.ctx, &sqs.ReceiveMessageInput{
			QueueUrl:            aws.String(r.queueUrl),
			MaxNumberOfMessages: 1,
			WaitTimeSeconds:     20, // long poll
			VisibilityTimeout:   30,
		})
		if err != nil {
			time.Sleep(time.Second)
			continue
		}

		for _, msg := range out.Messages {
			r.handleMessage(r.ctx, msg)
		}
	}
}

func (r *AssemblyReceiver) deleteMessage(ctx context.Context, msg types.Message) error {
	_, err := r.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(r.queueUrl),
		ReceiptHandle: msg.ReceiptHandle,
	})
	return err
}

func (r *AssemblyReceiver) handleMessage(ctx context.Context, msg types.Message) {
	if msg.Body == nil {
		r.deleteMessage(ctx, msg)
		return
	}

	var evt models.UploadCompletedEvent
	if err := json.Unmarshal([]byte(*msg.Body), &evt); err != nil {
		// poison message → delete or DLQ
		r.deleteMessage(ctx, msg)
		return
	}
	if evt.SessionID == "" {
		r.deleteMessage(ctx, msg)
		return
	}

	result, err := r.assembly.TriggerAssembly(ctx, evt.SessionID)
	if err != nil {
		r.logger.Error("assembly trigger errored, leaving message for retry",
			"session_id", evt.SessionID, "error", err)
		return // retry after visibility timeout
	}

	// Every definite outcome (done, already done, skipped, failed) is final
	// for this message; only infrastructure errors above get redelivered.
	r.logger.Info("assembly message handled",
		"session_id", evt.SessionID, "outcome", string(result.Outcome))
	r.deleteMessage(ctx, msg)
}

func (r *AssemblyReceiver) Shutdown(ctx context.Context) error {
	r.cancel()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
