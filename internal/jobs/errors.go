package jobs

import "errors"

var (
    ErrNotFound          = errors.New("jobs: job not found")
    ErrStaleState        = errors.New("jobs: job is no longer in the expected state")
    ErrInvalidTransition = errors.New("jobs: transition not allowed")
    ErrAdmissionVoided   = errors.New("jobs: admission key was voided for a refund")
    ErrAlreadyAdmitted   = errors.New("jobs: admission key already holds a job")
)
