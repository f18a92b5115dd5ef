package model

import (
	"errors"
	"fmt"
)

// ErrorKind - категория ошибки прогона. Сохраняется в записи прогона
// и в failure_kind брифа.
type ErrorKind string

const (
	KindTransientAPI         ErrorKind = "transient_api_error"
	KindGeneration           ErrorKind = "generation_error"
	KindSafetyGate           ErrorKind = "safety_gate"
	KindThresholdGate        ErrorKind = "threshold_gate"
	KindIllustrationDegraded ErrorKind = "illustration_degraded"
	KindPersistence          ErrorKind = "persistence_error"
	KindConfiguration        ErrorKind = "configuration_error"
	KindUnexpected           ErrorKind = "unexpected"
)

var (
	ErrTransientAPI         = errors.New("transient api error")
	ErrGeneration           = errors.New("generation error")
	ErrSafetyGate           = errors.New("safety gate failed")
	ErrThresholdGate        = errors.New("threshold gate failed")
	ErrIllustrationDegraded = errors.New("illustration degraded")
	ErrPersistence          = errors.New("persistence error")
	ErrConfiguration        = errors.New("configuration error")
	ErrUnexpected           = errors.New("unexpected error")
)

var kindSentinels = map[ErrorKind]error{
	KindTransientAPI:         ErrTransientAPI,
	KindGeneration:           ErrGeneration,
	KindSafetyGate:           ErrSafetyGate,
	KindThresholdGate:        ErrThresholdGate,
	KindIllustrationDegraded: ErrIllustrationDegraded,
	KindPersistence:          ErrPersistence,
	KindConfiguration:        ErrConfiguration,
	KindUnexpected:           ErrUnexpected,
}

// Sentinel возвращает sentinel-ошибку для категории.
func (k ErrorKind) Sentinel() error {
	if err, ok := kindSentinels[k]; ok {
		return err
	}
	return ErrUnexpected
}

// PipelineError - классифицированная ошибка стадии.
type PipelineError struct {
	Kind  ErrorKind
	Stage StageName
	Err   error
}

// NewError создает классифицированную ошибку стадии.
func NewError(kind ErrorKind, stage StageName, err error) *PipelineError {
	return &PipelineError{Kind: kind, Stage: stage, Err: err}
}

func (e *PipelineError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Stage, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Stage, e.Kind, e.Err)
}

func (e *PipelineError) Unwrap() error { return e.Err }

// Is позволяет проверять ошибку через errors.Is(err, model.ErrSafetyGate).
func (e *PipelineError) Is(target error) bool {
	return target == e.Kind.Sentinel()
}

// Classify определяет категорию произвольной ошибки.
// Неизвестные ошибки считаются unexpected.
func Classify(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var pErr *PipelineError
	if errors.As(err, &pErr) {
		return pErr.Kind
	}
	for kind, sentinel := range kindSentinels {
		if errors.Is(err, sentinel) {
			return kind
		}
	}
	return KindUnexpected
}
