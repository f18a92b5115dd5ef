package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"story-pipeline/internal/llm"
)

// MockLLMClient is a mock type for the llm.Client type
type MockLLMClient struct {
	mock.Mock
}

// Complete provides a mock function with given fields: ctx, req
func (_m *MockLLMClient) Complete(ctx context.Context, req llm.Request) (llm.Response, error) {
	ret := _m.Called(ctx, req)

	var r0 llm.Response
	if rf, ok := ret.Get(0).(func(context.Context, llm.Request) llm.Response); ok {
		r0 = rf(ctx, req)
	} else if ret.Get(0) != nil {
		r0 = ret.Get(0).(llm.Response)
	}

	var r1 error
	if rf, ok := ret.Get(1).(func(context.Context, llm.Request) error); ok {
		r1 = rf(ctx, req)
	} else {
		r1 = ret.Error(1)
	}

	return r0, r1
}

// NewMockLLMClient creates a new instance of MockLLMClient. It also registers a testing interface on the mock and a cleanup function to assert the mocks expectations.
func NewMockLLMClient(t interface {
	mock.TestingT
	Cleanup(func())
}) *MockLLMClient {
	m := &MockLLMClient{}
	m.Mock.Test(t)
	t.Cleanup(func() { m.AssertExpectations(t) })
	return m
}

var _ llm.Client = (*MockLLMClient)(nil)
