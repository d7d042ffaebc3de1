package bus

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSubjectScope(t *testing.T) {
	tests := []struct {
		prefix, workspace, want string
	}{
		{"runctl", "web", "runctl.web"},
		{"runctl", "my.app", "runctl.my_app"},
		{"runctl", "a*b>c d", "runctl.a_b_c_d"},
		{"runctl", "", "runctl.default"},
		{"", "web", "web"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, subjectScope(tt.prefix, tt.workspace), "%q/%q", tt.prefix, tt.workspace)
	}
}

func TestNATSEventBus_ScopedSubject(t *testing.T) {
	b := &NATSEventBus{scope: subjectScope("runctl", "web")}
	assert.Equal(t, "runctl.web.execution.started", b.subject("execution.started"))
	assert.Equal(t, "runctl.web.execution.*", b.subject("execution.*"))
}
