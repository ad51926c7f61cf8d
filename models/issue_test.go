package models

import (
	"encoding/json"
	"testing"
)

func TestDecodeTitleFormatMetadata(t *testing.T) {
	cases := []struct {
		name    string
		raw     string
		wantErr bool
	}{
		{"valid", `{"dealId":42,"currentTitle":"old","expectedTitle":"ED25002 - Titanic"}`, false},
		{"missing dealId", `{"expectedTitle":"x"}`, true},
		{"zero dealId", `{"dealId":0,"expectedTitle":"x"}`, true},
		{"missing expected title", `{"dealId":42}`, true},
		{"blank expected title", `{"dealId":42,"expectedTitle":"   "}`, true},
		{"empty payload", ``, true},
		{"malformed json", `{nope`, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			meta, err := DecodeTitleFormatMetadata(json.RawMessage(tc.raw))
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %+v", meta)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if meta.DealId != 42 || meta.ExpectedTitle != "ED25002 - Titanic" {
				t.Fatalf("decoded %+v", meta)
			}
		})
	}
}

func TestDecodeProjectCodeMetadata(t *testing.T) {
	meta, err := DecodeProjectCodeMetadata(json.RawMessage(`{"dealId":5,"currentTitle":"Harbour Works","projectCode":"NY25202"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if meta.DealId != 5 || meta.ProjectCode != "NY25202" {
		t.Fatalf("decoded %+v", meta)
	}

	if _, err := DecodeProjectCodeMetadata(json.RawMessage(`{"dealId":5}`)); err == nil {
		t.Fatalf("missing projectCode must error")
	}
	if _, err := DecodeProjectCodeMetadata(nil); err == nil {
		t.Fatalf("empty payload must error")
	}
}

func TestRequiresManualResolution(t *testing.T) {
	if !RequiresManualResolution(IssuePipelinePlacement) {
		t.Fatalf("pipeline placement must be manual-only")
	}
	for _, code := range []IssueCode{IssueInvalidTitleFormat, IssueMissingProjectCode, IssueValueMismatch} {
		if RequiresManualResolution(code) {
			t.Fatalf("%s should not be manual-only", code)
		}
	}
}

func TestIssuesRoundTrip(t *testing.T) {
	issues := []ValidationIssue{
		{
			Code:     IssueInvalidTitleFormat,
			Severity: IssueSeverityError,
			Message:  "title mismatch",
			Metadata: json.RawMessage(`{"dealId":1,"expectedTitle":"x"}`),
		},
	}
	decoded := DecodeIssues(EncodeIssues(issues))
	if len(decoded) != 1 || decoded[0].Code != IssueInvalidTitleFormat {
		t.Fatalf("round trip produced %+v", decoded)
	}

	if DecodeIssues(nil) != nil {
		t.Fatalf("nil input should decode to nil")
	}
	if DecodeIssues([]byte(`{broken`)) != nil {
		t.Fatalf("malformed input should decode to nil")
	}
}
