package config

import (
	"github.com/stretchr/testify/mock"

	"github.com/dionyziz/grr/client/config/data"
)

type MockClient struct {
	mock.Mock
}

func (m *MockClient) ConfigPath() string {
	args := m.Called()
	return args.String(0)
}

func (m *MockClient) FetchConfig() (data.ConfigData, error) {
	args := m.Called()
	return args.Get(0).(data.ConfigData), args.Error(1)
}

func (m *MockClient) FetchWriteback(path string) (data.WritebackData, error) {
	args := m.Called(path)
	return args.Get(0).(data.WritebackData), args.Error(1)
}

func (m *MockClient) SaveWriteback(path string, d data.WritebackData) error {
	args := m.Called(path, d)
	return args.Error(0)
}
