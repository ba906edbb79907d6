package scheduler

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		text string
		want Kind
	}{
		{"greeting", "hi", KindTrivial},
		{"question", "Hello, how are you?", KindTrivial},
		{"build keyword", "Can you build a dashboard?", KindLongJob},
		{"case insensitive", "DESIGN a logo", KindLongJob},
		{"substring", "please rebuild it", KindLongJob},
		{"implement", "implement auth", KindLongJob},
		{"generate", "Generate a report", KindLongJob},
		{"feature", "new feature idea", KindLongJob},
		{"long text", strings.Repeat("a", 201), KindLongJob},
		{"exactly at threshold", strings.Repeat("a", 200), KindTrivial},
		{"empty", "", KindTrivial},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(tt.text, DefaultTriggers())
			assert.Equal(t, tt.want, got.Kind)
			assert.NotEmpty(t, got.Reasons)
			if tt.want == KindLongJob {
				assert.Equal(t, 0.9, got.Score)
			} else {
				assert.Equal(t, 0.2, got.Score)
			}
		})
	}
}

func TestClassifyRunesNotBytes(t *testing.T) {
	// 150 three-byte runes is 450 bytes but still under the threshold.
	assert.Equal(t, KindTrivial, Classify(strings.Repeat("あ", 150), DefaultTriggers()).Kind)
	assert.Equal(t, KindLongJob, Classify(strings.Repeat("あ", 201), DefaultTriggers()).Kind)
}

func TestClassifyCustomTriggers(t *testing.T) {
	tr := Triggers{Keywords: []string{"deploy", " "}, MinLength: 0}
	assert.Equal(t, KindLongJob, Classify("deploy now", tr).Kind)
	assert.Equal(t, KindTrivial, Classify("build it", tr).Kind)
	assert.Equal(t, KindTrivial, Classify(strings.Repeat("x", 5000), tr).Kind)
}

func TestClassifyReportsAllReasons(t *testing.T) {
	got := Classify("build and design "+strings.Repeat("x", 300), DefaultTriggers())
	assert.Len(t, got.Reasons, 3)
}

func TestDefaultTriggersIsACopy(t *testing.T) {
	tr := DefaultTriggers()
	tr.Keywords[0] = "changed"
	assert.Equal(t, "build", DefaultKeywords[0])
}
