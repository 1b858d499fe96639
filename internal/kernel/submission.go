package kernel

import (
	"sync"

	"kernelbridge/internal/logging"
	"kernelbridge/internal/output"
)

// Outcome is the lifecycle state of a submission.
type Outcome int

const (
	Pending Outcome = iota
	Succeeded
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Pending:
		return "pending"
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

type submission struct {
	token               string
	projector           *output.Projector
	onDiagnostics       DiagnosticsObserver
	unsubscribeDeferred func()
	log                 *logging.RequestLogger

	mu      sync.Mutex
	outcome Outcome
	err     error
	done    chan struct{}
}

func newSubmission(token string, projector *output.Projector, onDiagnostics DiagnosticsObserver) *submission {
	return &submission{
		token:               token,
		projector:           projector,
		onDiagnostics:       onDiagnostics,
		unsubscribeDeferred: func() {},
		log:                 logging.WithRequestID(logging.CategoryKernel, token),
		done:                make(chan struct{}),
	}
}

// settle moves s out of Pending. Only the first call has any effect.
func (s *submission) settle(outcome Outcome, err error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.outcome != Pending {
		return false
	}
	s.outcome = outcome
	s.err = err
	close(s.done)
	return true
}

func (s *submission) state() (Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outcome, s.err
}
