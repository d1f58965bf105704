package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordPermissionAudit(t *testing.T) {
	var buf bytes.Buffer
	SetAuditWriter(&buf)
	defer SetAuditWriter(io.Discard)

	RecordPermissionAudit(context.Background(), "bash", "api", "denied")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "permission", entry["type"])
	assert.Equal(t, "set:bash", entry["action"])
	assert.Equal(t, "api", entry["actor"])
	assert.Equal(t, "denied", entry["metadata"].(map[string]interface{})["level"])
}

func TestRecordToolAudit(t *testing.T) {
	var buf bytes.Buffer
	SetAuditWriter(&buf)
	defer SetAuditWriter(io.Discard)

	RecordToolAudit(context.Background(), "git_commit", "s1", "denied", map[string]interface{}{"reason": "policy"})

	assert.Contains(t, buf.String(), `"action":"execute:git_commit"`)
	assert.Contains(t, buf.String(), `"status":"denied"`)
}
