package webhook

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Verdict is the classifier's decision for one event.
type Verdict int

const (
	// VerdictAccept means the event starts an orchestration run.
	VerdictAccept Verdict = iota
	// VerdictIgnore means the event is well formed but irrelevant; the
	// source gets a success response so it does not redeliver.
	VerdictIgnore
	// VerdictReject means the request is malformed or unexpected.
	VerdictReject
)

// JobQueuedEvent is the parsed view of an accepted workflow_job event.
type JobQueuedEvent struct {
	Owner      string
	Repository string
	FullName   string
	RunID      int64
	Labels     map[string]bool
}

// Classification carries the verdict plus the accepted event or the
// ignore/reject reason.
type Classification struct {
	Verdict Verdict
	Event   *JobQueuedEvent
	Reason  string
}

type jobPayload struct {
	Action      string `json:"action"`
	WorkflowJob struct {
		RunID  int64    `json:"run_id"`
		Labels []string `json:"labels"`
	} `json:"workflow_job"`
	Repository struct {
		Name     string `json:"name"`
		FullName string `json:"full_name"`
		Owner    struct {
			Login string `json:"login"`
		} `json:"owner"`
	} `json:"repository"`
}

// Classify applies the decision table to an inbound event. Rules are
// evaluated in order, first match wins:
//
//	content type not application/json  -> Reject
//	event kind "ping"                  -> Ignore
//	event kind not "workflow_job"      -> Reject
//	action not "queued"                -> Ignore
//	otherwise                          -> Accept
func Classify(contentType, eventKind string, body []byte) Classification {
	if mediaType(contentType) != "application/json" {
		return Classification{
			Verdict: VerdictReject,
			Reason:  fmt.Sprintf("unsupported content type %q", contentType),
		}
	}
	if eventKind == "ping" {
		return Classification{Verdict: VerdictIgnore, Reason: "ping"}
	}
	if eventKind != "workflow_job" {
		return Classification{
			Verdict: VerdictReject,
			Reason:  fmt.Sprintf("unsupported event kind %q", eventKind),
		}
	}

	var payload jobPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return Classification{Verdict: VerdictReject, Reason: "malformed event payload"}
	}
	if payload.Action != "queued" {
		return Classification{
			Verdict: VerdictIgnore,
			Reason:  fmt.Sprintf("action %q is not actionable", payload.Action),
		}
	}

	labels := make(map[string]bool, len(payload.WorkflowJob.Labels))
	for _, l := range payload.WorkflowJob.Labels {
		labels[l] = true
	}

	return Classification{
		Verdict: VerdictAccept,
		Event: &JobQueuedEvent{
			Owner:      payload.Repository.Owner.Login,
			Repository: payload.Repository.Name,
			FullName:   payload.Repository.FullName,
			RunID:      payload.WorkflowJob.RunID,
			Labels:     labels,
		},
	}
}

// mediaType strips any parameters ("application/json; charset=utf-8").
func mediaType(contentType string) string {
	if i := strings.IndexByte(contentType, ';'); i >= 0 {
		contentType = contentType[:i]
	}
	return strings.ToLower(strings.TrimSpace(contentType))
}
