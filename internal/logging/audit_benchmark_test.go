package logging

import (
	"strings"
	"testing"
)

func BenchmarkEscapeString(b *testing.B) {
	input := strings.Repeat("Hello \"World\"\nThis is a backslash: \\ \tAnd a tab.", 100)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = escapeString(input)
	}
}

func BenchmarkGenerateMangleFact(b *testing.B) {
	e := AuditEvent{
		Timestamp: 1700000000000,
		EventType: AuditPlanReplanning,
		PlanID:    "a1b2c3d4e5f60718",
		GoalID:    "ship-release",
	}
	for i := 0; i < b.N; i++ {
		_ = generateMangleFact(e)
	}
}
