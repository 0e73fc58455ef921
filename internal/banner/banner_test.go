package banner

import (
	"bytes"
	"strings"
	"testing"
)

func TestPrintAlignsLabels(t *testing.T) {
	var buf bytes.Buffer
	Print(&buf, "connbridge test", []ConfigLine{
		{Label: "API", Value: ":8080"},
		{Label: "History", Value: ""},
	})

	out := buf.String()
	for _, want := range []string{
		"connbridge test\n",
		"  API     : :8080\n",
		"  History : -\n",
		"Ready.\n",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q\n%s", want, out)
		}
	}
}
