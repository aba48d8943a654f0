package pipeline

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInboundRequestEchoSingleCase(t *testing.T) {
	var req InboundRequest
	require.NoError(t, json.Unmarshal([]byte(`{
		"message": "assess",
		"case_data": {"id": "P-7", "type": "followup", "history": {"bp": [120, 80]}, "image_url": ["a.png", "", "b.png"]},
		"case_index": 3,
		"total_cases": 10
	}`), &req))

	assert.Equal(t, "assess\n\n[batch mode] - Case 3/10 (ID: P-7) (type: followup)", req.Echo())
	require.False(t, req.CaseData.Batch)
	c := req.CaseData.Cases[0]
	assert.Equal(t, `{"bp":[120,80]}`, c.History)
	assert.Equal(t, []string{"a.png", "b.png"}, c.ImageURLs)
	assert.Equal(t, "ID: P-7, type: followup, history: {\"bp\":[120,80]}", c.Info())
}

func TestInboundRequestWithoutCaseData(t *testing.T) {
	var req InboundRequest
	require.NoError(t, json.Unmarshal([]byte(`{"message": "hi", "history": [{"role": "user", "content": {"a": 1}}]}`), &req))

	assert.Equal(t, "hi", req.Echo())
	assert.True(t, req.CaseData.Empty())
	assert.Equal(t, `{"a":1}`, req.History[0].Content)
}

func TestCaseDataRejectsScalars(t *testing.T) {
	var req InboundRequest
	assert.Error(t, json.Unmarshal([]byte(`{"message": "x", "case_data": "nope"}`), &req))
}

func TestCaseDataEmptyShapes(t *testing.T) {
	for _, body := range []string{`{"case_data": null}`, `{"case_data": {}}`, `{"case_data": []}`} {
		var req InboundRequest
		require.NoError(t, json.Unmarshal([]byte(body), &req), body)
		assert.True(t, req.CaseData.Empty(), body)
	}
}

func TestCaseNumbersKeepPrecision(t *testing.T) {
	var c Case
	require.NoError(t, json.Unmarshal([]byte(`{"id": 12345678901234567890, "assessment_result": 0.5}`), &c))
	assert.Equal(t, "12345678901234567890", c.ID)
	assert.Equal(t, "0.5", c.AssessmentResult)
}

func TestBuildMessagesRoles(t *testing.T) {
	msgs := BuildMessages([]Turn{
		{Role: "system", Content: "s"},
		{Role: "assistant", Content: "a"},
		{Role: "tool", Content: "t"},
	}, "now", nil)
	require.Len(t, msgs, 4)
	assert.Equal(t, "system", string(msgs[0].Role))
	assert.Equal(t, "assistant", string(msgs[1].Role))
	assert.Equal(t, "user", string(msgs[2].Role))
	assert.Equal(t, "now", msgs[3].Content)
}

func TestTriggerNormalize(t *testing.T) {
	trig := Trigger{Message: "go"}
	require.NoError(t, trig.Normalize())
	assert.Equal(t, "external", trig.Source)

	empty := Trigger{}
	assert.ErrorIs(t, empty.Normalize(), ErrMessageRequired)
}
