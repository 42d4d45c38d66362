package webhook

// The canonical set of webhook payloads the service understands. GitHub
// sends far more fields than these, only the ones actually read are
// declared.

// Delivered once when the webhook is registered on a repository.
type PingEvent struct {
	HookID     int64      `json:"hook_id"`
	Zen        string     `json:"zen,omitempty"`
	Repository Repository `json:"repository"`
	Sender     User       `json:"sender"`
}

type PullRequestEvent struct {
	Action      string      `json:"action"`
	Number      int         `json:"number"`
	PullRequest PullRequest `json:"pull_request"`
	Repository  Repository  `json:"repository"`
	Sender      User        `json:"sender"`
	Before      string      `json:"before,omitempty"`
	After       string      `json:"after,omitempty"`
}

type WorkflowJobEvent struct {
	Action      string      `json:"action"`
	WorkflowJob WorkflowJob `json:"workflow_job"`
	Repository  Repository  `json:"repository"`
	Sender      User        `json:"sender"`
}

type PullRequest struct {
	Number int    `json:"number"`
	State  string `json:"state"`
	Title  string `json:"title"`
	Draft  bool   `json:"draft"`
	Head   Ref    `json:"head"`
	Base   Ref    `json:"base"`
}

// One side of a pull request. Head may live in a fork, base is the
// target branch of the configured repository.
type Ref struct {
	Label string     `json:"label"`
	Ref   string     `json:"ref"`
	SHA   string     `json:"sha"`
	Repo  Repository `json:"repo"`
}

type Repository struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	FullName string `json:"full_name"`
	URL      string `json:"url"`
	CloneURL string `json:"clone_url"`
}

type User struct {
	Login string `json:"login"`
	ID    int64  `json:"id"`
}

type WorkflowJob struct {
	ID      int64  `json:"id"`
	RunID   int64  `json:"run_id"`
	Name    string `json:"name"`
	HeadSHA string `json:"head_sha"`
	Status  string `json:"status"`
}
