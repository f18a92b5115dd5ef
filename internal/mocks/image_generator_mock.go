package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"story-pipeline/internal/imagegen"
)

// MockImageGenerator is a mock type for the imagegen.Generator type
type MockImageGenerator struct {
	mock.Mock
}

// Generate provides a mock function with given fields: ctx, spec
func (_m *MockImageGenerator) Generate(ctx context.Context, spec imagegen.Spec) (imagegen.Result, error) {
	ret := _m.Called(ctx, spec)

	var r0 imagegen.Result
	if rf, ok := ret.Get(0).(func(context.Context, imagegen.Spec) imagegen.Result); ok {
		r0 = rf(ctx, spec)
	} else if ret.Get(0) != nil {
		r0 = ret.Get(0).(imagegen.Result)
	}

	var r1 error
	if rf, ok := ret.Get(1).(func(context.Context, imagegen.Spec) error); ok {
		r1 = rf(ctx, spec)
	} else {
		r1 = ret.Error(1)
	}

	return r0, r1
}

// NewMockImageGenerator creates a new instance of MockImageGenerator.
func NewMockImageGenerator(t interface {
	mock.TestingT
	Cleanup(func())
}) *MockImageGenerator {
	m := &MockImageGenerator{}
	m.Mock.Test(t)
	t.Cleanup(func() { m.AssertExpectations(t) })
	return m
}

var _ imagegen.Generator = (*MockImageGenerator)(nil)
