package routine

import (
	"fmt"

	batchv1 "k8s.io/api/batch/v1"
)

// CustomJobHasFailureError is the CustomJobHasFailure(name, status) kind of
// spec §7, raised when a post-snapshot job's pod(s) reported a failure.
type CustomJobHasFailureError struct {
	Server string
	Job    string
	Status batchv1.JobStatus
}

func (e *CustomJobHasFailureError) Error() string {
	return fmt.Sprintf("routine: job %q on server %q reported %d failed pod(s)", e.Job, e.Server, e.Status.Failed)
}
