package webhook

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const queuedPayload = `{
	"action": "queued",
	"workflow_job": {
		"run_id": 4242,
		"labels": ["self-hosted", "fargate", "self-hosted"]
	},
	"repository": {
		"name": "widgets",
		"full_name": "acme/widgets",
		"owner": {"login": "acme"}
	}
}`

func TestClassifyAccept(t *testing.T) {
	c := Classify("application/json", "workflow_job", []byte(queuedPayload))
	require.Equal(t, VerdictAccept, c.Verdict)
	require.NotNil(t, c.Event)

	assert.Equal(t, "acme", c.Event.Owner)
	assert.Equal(t, "widgets", c.Event.Repository)
	assert.Equal(t, "acme/widgets", c.Event.FullName)
	assert.Equal(t, int64(4242), c.Event.RunID)

	// Duplicate labels collapse into a set.
	assert.Equal(t, map[string]bool{"self-hosted": true, "fargate": true}, c.Event.Labels)
}

func TestClassifyContentTypeRejectedFirst(t *testing.T) {
	// Content type wins over everything, body included.
	c := Classify("text/plain", "workflow_job", []byte(queuedPayload))
	assert.Equal(t, VerdictReject, c.Verdict)
	assert.Contains(t, c.Reason, "content type")
}

func TestClassifyContentTypeParameters(t *testing.T) {
	c := Classify("application/json; charset=utf-8", "workflow_job", []byte(queuedPayload))
	assert.Equal(t, VerdictAccept, c.Verdict)
}

func TestClassifyPing(t *testing.T) {
	c := Classify("application/json", "ping", []byte(`{"zen":"Design for failure."}`))
	assert.Equal(t, VerdictIgnore, c.Verdict)
	assert.Equal(t, "ping", c.Reason)
}

func TestClassifyUnsupportedEventKind(t *testing.T) {
	c := Classify("application/json", "push", []byte(`{}`))
	assert.Equal(t, VerdictReject, c.Verdict)
	assert.Contains(t, c.Reason, "event kind")
}

func TestClassifyNonQueuedAction(t *testing.T) {
	for _, action := range []string{"in_progress", "completed", "waiting"} {
		c := Classify("application/json", "workflow_job",
			[]byte(`{"action":"`+action+`"}`))
		assert.Equal(t, VerdictIgnore, c.Verdict, action)
	}
}

func TestClassifyMalformedBody(t *testing.T) {
	c := Classify("application/json", "workflow_job", []byte(`{not json`))
	assert.Equal(t, VerdictReject, c.Verdict)
	assert.Contains(t, c.Reason, "malformed")
}

func TestMediaType(t *testing.T) {
	assert.Equal(t, "application/json", mediaType("application/json"))
	assert.Equal(t, "application/json", mediaType("Application/JSON; charset=utf-8"))
	assert.Equal(t, "application/json", mediaType("  application/json  "))
	assert.Equal(t, "", mediaType(""))
}
