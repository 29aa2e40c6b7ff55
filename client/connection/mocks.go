package connection

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/dionyziz/grr/grrlib/message"
)

type MockConnection struct {
	mock.Mock
}

func (m *MockConnection) Send(ctx context.Context, messages []*message.Message) ([]*message.Message, error) {
	args := m.Called(ctx, messages)
	received, _ := args.Get(0).([]*message.Message)
	return received, args.Error(1)
}

func (m *MockConnection) Url() string {
	args := m.Called()
	return args.String(0)
}
