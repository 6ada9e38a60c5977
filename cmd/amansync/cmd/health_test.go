package cmd

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/Aman-CERP/amansync/internal/index"
)

func TestHealthCmd_AfterSync(t *testing.T) {
	// Given: a freshly synced project
	root := newProject(t)
	mustRun(t, root, "sync")

	// When: checking health as JSON
	report := decodeJSON[index.HealthReport](t, mustRun(t, root, "health", "--json"))

	// Then: every check ran and none failed
	assert.NotEqual(t, index.HealthUnhealthy, report.Status)
	assert.NotEmpty(t, report.Checks)
	for _, c := range report.Checks {
		assert.NotEqual(t, index.CheckFail, c.Status, "%s: %s", c.Name, c.Message)
	}
}

func TestHealthCmd_TableOutput(t *testing.T) {
	root := newProject(t)
	mustRun(t, root, "sync")

	out := mustRun(t, root, "health")

	assert.Contains(t, out, "CHECK")
	assert.Contains(t, out, "STATUS")
}
