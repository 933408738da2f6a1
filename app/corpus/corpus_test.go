package corpus

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akudrin/mailsieve/lib/classifier"
)

func TestLoad(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected []classifier.Example
	}{
		{
			name:  "simple records",
			input: "id,label,message,flag\n1,ham,hello there,0\n2,spam,buy pills,1\n",
			expected: []classifier.Example{
				{Text: "hello there", Label: classifier.Ham},
				{Text: "buy pills", Label: classifier.Spam},
			},
		},
		{
			name:  "quoted message with embedded comma and newline",
			input: "id,label,message,flag\n3,spam,\"win cash, call now\nlimited offer\",1\n",
			expected: []classifier.Example{
				{Text: "win cash, call now\nlimited offer", Label: classifier.Spam},
			},
		},
		{
			name:  "doubled quote decodes to a single quote",
			input: "id,label,message,flag\n4,ham,\"he said \"\"hi\"\" to me\",0\n",
			expected: []classifier.Example{
				{Text: `he said "hi" to me`, Label: classifier.Ham},
			},
		},
		{
			name:     "record with too few fields dropped",
			input:    "id,label,message,flag\n7,1\n",
			expected: []classifier.Example{},
		},
		{
			name:     "stray continuation fragment skipped",
			input:    "id,label,message,flag\nleftover fragment,0\n8,spam,real message,1\n",
			expected: []classifier.Example{{Text: "real message", Label: classifier.Spam}},
		},
		{
			name:     "trailing incomplete record discarded",
			input:    "id,label,message,flag\n1,ham,fine message,0\n9,spam,\"unterminated quote\n",
			expected: []classifier.Example{{Text: "fine message", Label: classifier.Ham}},
		},
		{
			name:     "label matched case-insensitive, unknown mapped to ham",
			input:    "id,label,message,flag\n1,SPAM,shouting,1\n2,Spam,mixed,1\n3,unknown,odd label,0\n",
			expected: []classifier.Example{
				{Text: "shouting", Label: classifier.Spam},
				{Text: "mixed", Label: classifier.Spam},
				{Text: "odd label", Label: classifier.Ham},
			},
		},
		{
			name:     "empty input",
			input:    "",
			expected: []classifier.Example{},
		},
		{
			name:     "header only",
			input:    "id,label,message,flag\n",
			expected: []classifier.Example{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := Load(strings.NewReader(tt.input))
			require.NoError(t, err)
			assert.Equal(t, tt.expected, res)
		})
	}
}

// the boundary heuristic closes a record as soon as a line ends with ",0" or
// ",1" with balanced quotes. An unquoted message spanning lines gets truncated
// at the first such line, and its continuation is skipped by the record-start
// gate. Known limitation, pinned here on purpose.
func TestLoad_BoundaryHeuristicMisfire(t *testing.T) {
	input := "id,label,message,flag\n5,ham,first part,0\nsecond part,1\n"
	res, err := Load(strings.NewReader(input))
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, "first part", res[0].Text)
	assert.Equal(t, classifier.Ham, res[0].Label)
}

func TestLoad_ReadFailure(t *testing.T) {
	data := "id,label,message,flag\n1,spam,assembled before failure,1\n"
	res, err := Load(&failingReader{data: []byte(data)})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read dataset")
	require.Len(t, res, 1, "records assembled before the failure are kept")
	assert.Equal(t, "assembled before failure", res[0].Text)
}

func TestLoadFile_Missing(t *testing.T) {
	res, err := LoadFile("no-such-file.csv")
	assert.Error(t, err)
	assert.Empty(t, res)
}

func TestSplit(t *testing.T) {
	examples := make([]classifier.Example, 10)
	for i := range examples {
		examples[i] = classifier.Example{Text: strings.Repeat("x", i+1), Label: classifier.Ham}
	}

	train, test := Split(examples, 0.8, 42)
	assert.Len(t, train, 8)
	assert.Len(t, test, 2)

	seen := map[string]int{}
	for _, ex := range append(append([]classifier.Example{}, train...), test...) {
		seen[ex.Text]++
	}
	assert.Len(t, seen, 10, "split preserves all examples")

	train2, test2 := Split(examples, 0.8, 42)
	assert.Equal(t, train, train2, "same seed gives the same shuffle")
	assert.Equal(t, test, test2)

	train3, _ := Split(examples, 0.8, 43)
	assert.NotEqual(t, train, train3, "different seed gives a different shuffle")
}

func TestSplitFields(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected []string
	}{
		{name: "plain fields", input: "1,spam,hello,0", expected: []string{"1", "spam", "hello", "0"}},
		{name: "quoted delimiter", input: `1,ham,"a, b",0`, expected: []string{"1", "ham", "a, b", "0"}},
		{name: "doubled quote", input: `1,ham,"say ""hi""",0`, expected: []string{"1", "ham", `say "hi"`, "0"}},
		{name: "final field without delimiter", input: "a,b", expected: []string{"a", "b"}},
		{name: "empty fields", input: ",,", expected: []string{"", "", ""}},
		{name: "empty string", input: "", expected: []string{""}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, splitFields(tt.input))
		})
	}
}

func TestRecordComplete(t *testing.T) {
	tests := []struct {
		name       string
		quoteCount int
		lastLine   string
		expected   bool
	}{
		{name: "numeric suffix and balanced quotes", quoteCount: 2, lastLine: `some text",0`, expected: true},
		{name: "suffix one", quoteCount: 0, lastLine: "plain,1", expected: true},
		{name: "no numeric suffix", quoteCount: 0, lastLine: "plain,2", expected: false},
		{name: "unbalanced quotes", quoteCount: 3, lastLine: "text,0", expected: false},
		{name: "mid-record line", quoteCount: 1, lastLine: "continuation text", expected: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, recordComplete(tt.quoteCount, tt.lastLine))
		})
	}
}

// failingReader serves its data on the first read and fails after.
type failingReader struct {
	data []byte
	done bool
}

func (r *failingReader) Read(p []byte) (int, error) {
	if r.done {
		return 0, errors.New("read failed")
	}
	r.done = true
	return copy(p, r.data), nil
}
