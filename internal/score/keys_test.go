package score

import "testing"

func TestComposeAggregateScoreKeyRoundTrips(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		source   Source
		dataType DataType
		want     string
	}{
		{name: "quality", source: SourceAnnotation, dataType: DataTypeNumeric, want: "quality-ANNOTATION-NUMERIC"},
		{name: "tone-check", source: SourceEval, dataType: DataTypeCategorical, want: `tone\-check-EVAL-CATEGORICAL`},
		{name: `back\slash`, source: SourceAPI, dataType: DataTypeBoolean, want: `back\\slash-API-BOOLEAN`},
		{name: "", source: SourceAPI, dataType: DataTypeNumeric, want: "-API-NUMERIC"},
	}
	for _, tc := range tests {
		got := ComposeAggregateScoreKey(tc.name, tc.source, tc.dataType)
		if got != tc.want {
			t.Fatalf("ComposeAggregateScoreKey(%q)=%q, want %q", tc.name, got, tc.want)
		}
		name, source, dataType, err := ParseAggregateScoreKey(got)
		if err != nil {
			t.Fatalf("ParseAggregateScoreKey(%q) error: %v", got, err)
		}
		if name != tc.name || source != tc.source || dataType != tc.dataType {
			t.Fatalf("ParseAggregateScoreKey(%q)=%q,%q,%q, want %q,%q,%q", got, name, source, dataType, tc.name, tc.source, tc.dataType)
		}
	}
}

func TestComposeAggregateScoreKeyIsInjective(t *testing.T) {
	t.Parallel()

	// Names that would collide under plain "-" joining.
	a := ComposeAggregateScoreKey("a-API", SourceEval, DataTypeNumeric)
	b := ComposeAggregateScoreKey("a", SourceAPI, DataTypeNumeric)
	c := ComposeAggregateScoreKey(`a\`, SourceAPI, DataTypeNumeric)
	if a == b || b == c || a == c {
		t.Fatalf("keys collide: %q %q %q", a, b, c)
	}
}

func TestParseAggregateScoreKeyRejectsMalformedKeys(t *testing.T) {
	t.Parallel()

	for _, key := range []string{
		"quality",
		"quality-API",
		"a-b-API-NUMERIC",
		"quality-HUMAN-NUMERIC",
		"quality-API-TEXT",
		`quality\x-API-NUMERIC`,
		`quality-API-NUMERIC\`,
	} {
		if _, _, _, err := ParseAggregateScoreKey(key); err == nil {
			t.Fatalf("ParseAggregateScoreKey(%q) error=nil, want error", key)
		}
	}
}
