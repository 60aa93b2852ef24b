package viz

import (
	"bytes"
	"os"
	"strconv"
	"strings"
	"testing"

	"github.com/automerge/automerge-go"
	"github.com/go-playground/assert/v2"
)

func counterLabel(docAt *automerge.Doc) (string, error) {
	v, err := automerge.As[int64](docAt.Path("n").Get())
	if err != nil {
		return "", err
	}
	return "n=" + strconv.FormatInt(v, 10), nil
}

func buildDoc(t *testing.T) *automerge.Doc {
	t.Helper()
	doc := automerge.New()
	for i := int64(1); i <= 3; i++ {
		assert.Equal(t, nil, doc.Path("n").Set(i))
		_, err := doc.Commit("set n "+strconv.FormatInt(i, 10))
		assert.Equal(t, err, nil)
	}
	return doc
}

func TestRenderHistoryLabelsEveryChange(t *testing.T) {
	doc := buildDoc(t)
	var buff bytes.Buffer
	assert.Equal(t, nil, RenderHistory(doc, counterLabel, &buff))

	out := buff.String()
	assert.Equal(t, true, strings.Contains(out, "<svg"))
	for _, want := range []string{"n=1", "n=2", "n=3", "set n 3"} {
		assert.Equal(t, true, strings.Contains(out, want))
	}
}

func TestRenderToTemp(t *testing.T) {
	path, err := RenderToTemp(buildDoc(t), counterLabel)
	assert.Equal(t, err, nil)
	t.Cleanup(func() { _ = os.Remove(path) })
	raw, err := os.ReadFile(path)
	assert.Equal(t, err, nil)
	assert.Equal(t, true, bytes.Contains(raw, []byte("<svg")))
}
