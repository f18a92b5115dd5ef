package mocks

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"

	"story-pipeline/internal/model"
	"story-pipeline/internal/repository"
)

// MockStore is a mock type for the repository.Store type
type MockStore struct {
	mock.Mock
}

// ClaimNextBrief provides a mock function with given fields: ctx, staleAfter
func (_m *MockStore) ClaimNextBrief(ctx context.Context, staleAfter time.Duration) (*model.StoryBrief, error) {
	ret := _m.Called(ctx, staleAfter)

	var r0 *model.StoryBrief
	if rf, ok := ret.Get(0).(func(context.Context, time.Duration) *model.StoryBrief); ok {
		r0 = rf(ctx, staleAfter)
	} else if ret.Get(0) != nil {
		r0 = ret.Get(0).(*model.StoryBrief)
	}

	return r0, ret.Error(1)
}

// InsertBriefs provides a mock function with given fields: ctx, briefs
func (_m *MockStore) InsertBriefs(ctx context.Context, briefs []model.StoryBrief) error {
	ret := _m.Called(ctx, briefs)
	if rf, ok := ret.Get(0).(func(context.Context, []model.StoryBrief) error); ok {
		return rf(ctx, briefs)
	}
	return ret.Error(0)
}

// InsertRun provides a mock function with given fields: ctx, run
func (_m *MockStore) InsertRun(ctx context.Context, run *model.PipelineRun) error {
	ret := _m.Called(ctx, run)
	if rf, ok := ret.Get(0).(func(context.Context, *model.PipelineRun) error); ok {
		return rf(ctx, run)
	}
	return ret.Error(0)
}

// InsertStory provides a mock function with given fields: ctx, story
func (_m *MockStore) InsertStory(ctx context.Context, story *model.GeneratedStory) error {
	ret := _m.Called(ctx, story)
	if rf, ok := ret.Get(0).(func(context.Context, *model.GeneratedStory) error); ok {
		return rf(ctx, story)
	}
	return ret.Error(0)
}

// MarkBriefStatus provides a mock function with given fields: ctx, claim, from, to, failureKind
func (_m *MockStore) MarkBriefStatus(ctx context.Context, claim model.BriefClaim, from, to model.BriefStatus, failureKind *string) error {
	ret := _m.Called(ctx, claim, from, to, failureKind)
	if rf, ok := ret.Get(0).(func(context.Context, model.BriefClaim, model.BriefStatus, model.BriefStatus, *string) error); ok {
		return rf(ctx, claim, from, to, failureKind)
	}
	return ret.Error(0)
}

// CommitStory provides a mock function with given fields: ctx, claim, story, run
func (_m *MockStore) CommitStory(ctx context.Context, claim model.BriefClaim, story *model.GeneratedStory, run *model.PipelineRun) error {
	ret := _m.Called(ctx, claim, story, run)
	if rf, ok := ret.Get(0).(func(context.Context, model.BriefClaim, *model.GeneratedStory, *model.PipelineRun) error); ok {
		return rf(ctx, claim, story, run)
	}
	return ret.Error(0)
}

// CountBriefs provides a mock function with given fields: ctx, statuses
func (_m *MockStore) CountBriefs(ctx context.Context, statuses ...model.BriefStatus) (int, error) {
	ret := _m.Called(ctx, statuses)

	var r0 int
	if rf, ok := ret.Get(0).(func(context.Context, []model.BriefStatus) int); ok {
		r0 = rf(ctx, statuses)
	} else {
		r0 = ret.Int(0)
	}

	return r0, ret.Error(1)
}

// GetBrief provides a mock function with given fields: ctx, id
func (_m *MockStore) GetBrief(ctx context.Context, id uuid.UUID) (*model.StoryBrief, error) {
	ret := _m.Called(ctx, id)

	var r0 *model.StoryBrief
	if ret.Get(0) != nil {
		r0 = ret.Get(0).(*model.StoryBrief)
	}

	return r0, ret.Error(1)
}

// GetRun provides a mock function with given fields: ctx, id
func (_m *MockStore) GetRun(ctx context.Context, id uuid.UUID) (*model.PipelineRun, error) {
	ret := _m.Called(ctx, id)

	var r0 *model.PipelineRun
	if ret.Get(0) != nil {
		r0 = ret.Get(0).(*model.PipelineRun)
	}

	return r0, ret.Error(1)
}

// GetStory provides a mock function with given fields: ctx, id
func (_m *MockStore) GetStory(ctx context.Context, id uuid.UUID) (*model.GeneratedStory, error) {
	ret := _m.Called(ctx, id)

	var r0 *model.GeneratedStory
	if ret.Get(0) != nil {
		r0 = ret.Get(0).(*model.GeneratedStory)
	}

	return r0, ret.Error(1)
}

// NewMockStore creates a new instance of MockStore.
func NewMockStore(t interface {
	mock.TestingT
	Cleanup(func())
}) *MockStore {
	m := &MockStore{}
	m.Mock.Test(t)
	t.Cleanup(func() { m.AssertExpectations(t) })
	return m
}

var _ repository.Store = (*MockStore)(nil)
