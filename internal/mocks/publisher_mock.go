package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"story-pipeline/internal/notify"
)

// MockPublisher is a mock type for the notify.Publisher type
type MockPublisher struct {
	mock.Mock
}

// StoryReady provides a mock function with given fields: ctx, event
func (_m *MockPublisher) StoryReady(ctx context.Context, event notify.StoryReadyEvent) error {
	ret := _m.Called(ctx, event)
	if rf, ok := ret.Get(0).(func(context.Context, notify.StoryReadyEvent) error); ok {
		return rf(ctx, event)
	}
	return ret.Error(0)
}

// Close provides a mock function with given fields:
func (_m *MockPublisher) Close() error {
	ret := _m.Called()
	return ret.Error(0)
}

// NewMockPublisher creates a new instance of MockPublisher.
func NewMockPublisher(t interface {
	mock.TestingT
	Cleanup(func())
}) *MockPublisher {
	m := &MockPublisher{}
	m.Mock.Test(t)
	t.Cleanup(func() { m.AssertExpectations(t) })
	return m
}

var _ notify.Publisher = (*MockPublisher)(nil)
