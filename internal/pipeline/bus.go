package pipeline

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"go.uber.org/zap"

	"github.com/garage-scan/backend/internal/detector"
)

// TopicDetect carries chunks awaiting detection.
const TopicDetect = "detect.jobs"

// ErrBusClosed is returned by Dispatch when no consumer is running.
var ErrBusClosed = errors.New("detection bus not running")

const (
	metaSessionID   = "session_id"
	metaSeq         = "seq"
	metaContentType = "content_type"
)

// Bus runs detection in-process over a watermill channel with a bounded number
// of concurrent detector calls.
type Bus struct {
	pubSub   *gochannel.GoChannel
	detector detector.Detector
	sink     *Sink
	workers  int
	running  atomic.Bool
	logger   *zap.Logger
}

// NewBus creates an in-process detection bus. buffer sizes the consumer channel.
func NewBus(det detector.Detector, sink *Sink, workers, buffer int, logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	if workers <= 0 {
		workers = 1
	}
	pubSub := gochannel.NewGoChannel(
		gochannel.Config{OutputChannelBuffer: int64(buffer)},
		watermill.NewStdLogger(false, false),
	)
	return &Bus{pubSub: pubSub, detector: det, sink: sink, workers: workers, logger: logger}
}

// Dispatch publishes a chunk for detection. It never waits for the detector.
func (b *Bus) Dispatch(_ context.Context, chunk detector.Chunk) error {
	if !b.running.Load() {
		return ErrBusClosed
	}
	msg := message.NewMessage(watermill.NewUUID(), chunk.Data)
	msg.Metadata.Set(metaSessionID, chunk.SessionID)
	msg.Metadata.Set(metaSeq, strconv.FormatInt(chunk.Seq, 10))
	msg.Metadata.Set(metaContentType, chunk.ContentType)
	return b.pubSub.Publish(TopicDetect, msg)
}

// Run consumes jobs until ctx is done, then waits for in-flight detections.
func (b *Bus) Run(ctx context.Context) error {
	messages, err := b.pubSub.Subscribe(ctx, TopicDetect)
	if err != nil {
		return err
	}
	b.running.Store(true)
	defer b.running.Store(false)
	b.logger.Info("detection bus started", zap.Int("workers", b.workers))

	sem := make(chan struct{}, b.workers)
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-messages:
			if !ok {
				return nil
			}
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				msg.Nack()
				return nil
			}
			msg.Ack()
			wg.Add(1)
			go func() {
				defer func() {
					<-sem
					wg.Done()
				}()
				b.process(ctx, msg)
			}()
		}
	}
}

// Running reports whether Run is consuming.
func (b *Bus) Running() bool { return b.running.Load() }

// Close releases the underlying channel.
func (b *Bus) Close() error {
	return b.pubSub.Close()
}

func (b *Bus) process(ctx context.Context, msg *message.Message) {
	seq, _ := strconv.ParseInt(msg.Metadata.Get(metaSeq), 10, 64)
	chunk := detector.Chunk{
		SessionID:   msg.Metadata.Get(metaSessionID),
		Seq:         seq,
		ContentType: msg.Metadata.Get(metaContentType),
		Data:        msg.Payload,
	}
	batch := detector.Absorb(ctx, b.detector, chunk, b.logger)
	b.sink.Complete(ctx, chunk.SessionID, batch)
}
