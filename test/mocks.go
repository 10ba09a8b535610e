package test

import (
	"sync"
	"time"

	"github.com/confluentinc/confluent-kafka-go/kafka"

	"github.com/streamhaus/orderflow/logger"
	"github.com/streamhaus/orderflow/metrics"
)

// TestLogger collects log lines for assertions.
type TestLogger struct {
	mu    sync.Mutex
	Lines []string
}

var _ logger.Logger = (*TestLogger)(nil)

func (l *TestLogger) append(msg string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Lines = append(l.Lines, msg)
}

// Snapshot returns a copy of the collected lines.
func (l *TestLogger) Snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.Lines...)
}

func (l *TestLogger) Debug(msg string) { l.append(msg) }

func (l *TestLogger) Info(msg string) { l.append(msg) }

func (l *TestLogger) Warn(msg string) { l.append(msg) }

func (l *TestLogger) Error(msg string, err error) { l.append(msg) }

// TestCounter accumulates increments.
type TestCounter struct {
	mu  sync.Mutex
	Ctr int64
}

var _ metrics.Counter = (*TestCounter)(nil)

func (c *TestCounter) Inc(delta int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Ctr += delta
}

func (c *TestCounter) Value() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Ctr
}

// MockedKafkaProducer captures produced messages through the Snitch channel
// and replies with a predefined delivery report.
type MockedKafkaProducer struct {
	MockedReportToSend kafka.Event
	Snitch             chan *kafka.Message
	RetVal             error
}

func (p *MockedKafkaProducer) Produce(msg *kafka.Message, deliveryChan chan kafka.Event) error {
	// send the message to the outside in order to assert it.
	p.Snitch <- msg

	if p.RetVal != nil {
		return p.RetVal
	}

	if p.MockedReportToSend != nil {
		deliveryChan <- p.MockedReportToSend
	}

	return nil
}

// SuccessReport builds a delivery report acknowledging msg on partition 0.
func SuccessReport(msg *kafka.Message) *kafka.Message {
	report := *msg
	report.TopicPartition.Partition = 0
	report.TopicPartition.Offset = kafka.Offset(1)
	return &report
}

// FailureReport builds a delivery report carrying a broker error.
func FailureReport(msg *kafka.Message, err error) *kafka.Message {
	report := *msg
	report.TopicPartition.Error = err
	return &report
}

type MockedKafkaEvent struct{}

func (*MockedKafkaEvent) String() string {
	return "mock"
}

// MockedKafkaConsumer replays a scripted list of read errors followed by a
// scripted list of records, and captures the committed ones.
type MockedKafkaConsumer struct {
	ReadErrs   []error
	Records    []*kafka.Message
	Subscribed []string

	mu        sync.Mutex
	nextErr   int
	next      int
	Committed []*kafka.Message
	Closed    bool
}

func (c *MockedKafkaConsumer) SubscribeTopics(topics []string, _ kafka.RebalanceCb) error {
	c.Subscribed = append(c.Subscribed, topics...)
	return nil
}

func (c *MockedKafkaConsumer) ReadMessage(_ time.Duration) (*kafka.Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.nextErr < len(c.ReadErrs) {
		err := c.ReadErrs[c.nextErr]
		c.nextErr++
		return nil, err
	}
	if c.next >= len(c.Records) {
		return nil, kafka.NewError(kafka.ErrTimedOut, "no more records", false)
	}
	msg := c.Records[c.next]
	c.next++
	return msg, nil
}

func (c *MockedKafkaConsumer) CommitMessage(m *kafka.Message) ([]kafka.TopicPartition, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Committed = append(c.Committed, m)
	return []kafka.TopicPartition{m.TopicPartition}, nil
}

func (c *MockedKafkaConsumer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Closed = true
	return nil
}
