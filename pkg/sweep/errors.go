package sweep

import "errors"

// Error taxonomy shared by the pipeline stages. Stage errors wrap one of
// these so callers can classify them with errors.Is.
var (
	// ErrInvalidConfiguration is fatal and aborts before any remote call.
	ErrInvalidConfiguration = errors.New("invalid configuration")

	// ErrInputGeneration means the input generator rejected a run.
	ErrInputGeneration = errors.New("input generation failed")

	// ErrStorageWrite means staged inputs could not be written.
	ErrStorageWrite = errors.New("storage write failed")

	// ErrSubmission means the batch service did not accept the job.
	ErrSubmission = errors.New("job submission failed")

	// ErrPollQuery is a transient failure to query a job's state.
	ErrPollQuery = errors.New("job state query failed")

	// ErrResultFetch means the output artifact could not be read or parsed.
	ErrResultFetch = errors.New("result fetch failed")

	// ErrNoSuccessfulRuns is returned when no run reached SUCCEEDED.
	ErrNoSuccessfulRuns = errors.New("no run succeeded")
)
