package messagepipeline_test

import (
	"context"
	"sync"

	"github.com/illmade-knight/rfid-ingestion/pkg/messagepipeline"
)

// MockMessageConsumer simulates a message source for unit tests.
type MockMessageConsumer struct {
	msgChan  chan messagepipeline.Message
	doneChan chan struct{}
	stopOnce sync.Once

	mu         sync.Mutex
	startErr   error
	startCount int
	stopCount  int
}

// NewMockMessageConsumer creates a mock consumer with a buffered channel.
func NewMockMessageConsumer(bufferSize int) *MockMessageConsumer {
	return &MockMessageConsumer{
		msgChan:  make(chan messagepipeline.Message, bufferSize),
		doneChan: make(chan struct{}),
	}
}

func (m *MockMessageConsumer) Messages() <-chan messagepipeline.Message {
	return m.msgChan
}

func (m *MockMessageConsumer) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.startCount++
	return m.startErr
}

func (m *MockMessageConsumer) Stop(ctx context.Context) error {
	m.stopOnce.Do(func() {
		m.mu.Lock()
		m.stopCount++
		m.mu.Unlock()
		close(m.msgChan)
		close(m.doneChan)
	})
	return nil
}

func (m *MockMessageConsumer) Done() <-chan struct{} {
	return m.doneChan
}

// Push injects a message into the consumer's channel.
func (m *MockMessageConsumer) Push(msg messagepipeline.Message) {
	m.msgChan <- msg
}

// SetStartError makes Start return the given error.
func (m *MockMessageConsumer) SetStartError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.startErr = err
}

func (m *MockMessageConsumer) GetStartCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.startCount
}

func (m *MockMessageConsumer) GetStopCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopCount
}
