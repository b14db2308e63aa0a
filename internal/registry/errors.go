package registry

import "errors"

var (
    ErrWorkerUnavailable = errors.New("registry: worker unavailable")
    ErrWorkerExists      = errors.New("registry: worker already connected")
    ErrWorkerBusy        = errors.New("registry: worker is busy")
)
