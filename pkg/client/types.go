package client

// One execution instance of a CI pipeline, reduced to the fields the
// gating decision needs.
type WorkflowRun struct {
	ID      int64
	Name    string
	Status  string
	HeadSHA string
}

// Completed runs can neither be approved nor cancelled.
func (r WorkflowRun) Completed() bool {
	return r.Status == "completed"
}
