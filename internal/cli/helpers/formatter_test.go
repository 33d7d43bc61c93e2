package helpers

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"
)

// TestData is a test struct with header tags.
type TestData struct {
	Name  string `header:"Name" json:"name" yaml:"name"`
	Value int    `header:"Value" json:"value" yaml:"value"`
	Extra string // No header tag, should be ignored
}

func TestNewFormatter(t *testing.T) {
	tests := []struct {
		name    string
		format  OutputFormat
		wantErr bool
	}{
		{"table formatter", FormatTable, false},
		{"json formatter", FormatJSON, false},
		{"yaml formatter", FormatYAML, false},
		{"csv formatter", FormatCSV, false},
		{"unsupported format", OutputFormat("unsupported"), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NewFormatter(tt.format)
			if (err != nil) != tt.wantErr {
				t.Errorf("NewFormatter() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr && got == nil {
				t.Errorf("NewFormatter() returned nil formatter")
			}
		})
	}
}

func TestJSONFormatter_Format(t *testing.T) {
	buf := &bytes.Buffer{}
	data := []TestData{{Name: "test1", Value: 1}, {Name: "test2", Value: 2}}
	if err := (&JSONFormatter{}).Format(data, buf); err != nil {
		t.Fatalf("Format() error = %v", err)
	}

	var result []TestData
	if err := json.Unmarshal(buf.Bytes(), &result); err != nil {
		t.Fatalf("Format() produced invalid JSON: %v", err)
	}
	if len(result) != 2 || result[1].Value != 2 {
		t.Errorf("round trip = %+v", result)
	}
}

func TestYAMLFormatter_Format(t *testing.T) {
	buf := &bytes.Buffer{}
	if err := (&YAMLFormatter{}).Format(TestData{Name: "single", Value: 42}, buf); err != nil {
		t.Fatalf("Format() error = %v", err)
	}

	var result TestData
	if err := yaml.Unmarshal(buf.Bytes(), &result); err != nil {
		t.Fatalf("Format() produced invalid YAML: %v", err)
	}
	if result.Name != "single" || result.Value != 42 {
		t.Errorf("round trip = %+v", result)
	}
}

func TestTableFormatter_Format(t *testing.T) {
	tests := []struct {
		name         string
		data         interface{}
		wantErr      bool
		wantContains []string
	}{
		{
			name: "format slice of structs",
			data: []TestData{
				{Name: "test1", Value: 1, Extra: "ignored"},
				{Name: "test2", Value: 2, Extra: "ignored"},
			},
			wantContains: []string{"Name", "Value", "test1", "test2"},
		},
		{
			name: "format empty slice",
			data: []TestData{},
		},
		{
			name:         "format single struct",
			data:         &TestData{Name: "single", Value: 42},
			wantContains: []string{"Name:", "single", "Value:", "42"},
		},
		{
			name:    "format scalar",
			data:    42,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := &bytes.Buffer{}
			err := (&TableFormatter{}).Format(tt.data, buf)
			if (err != nil) != tt.wantErr {
				t.Errorf("TableFormatter.Format() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			output := buf.String()
			for _, want := range tt.wantContains {
				if !strings.Contains(output, want) {
					t.Errorf("TableFormatter.Format() output missing %q\nGot: %s", want, output)
				}
			}
			if strings.Contains(output, "ignored") {
				t.Errorf("untagged field leaked into output: %s", output)
			}
		})
	}
}

func TestCSVFormatter_Format(t *testing.T) {
	buf := &bytes.Buffer{}
	data := []TestData{{Name: "test1", Value: 1}, {Name: "test2", Value: 2}}
	if err := (&CSVFormatter{}).Format(data, buf); err != nil {
		t.Fatalf("Format() error = %v", err)
	}
	for _, want := range []string{"Name,Value", "test1,1", "test2,2"} {
		if !strings.Contains(buf.String(), want) {
			t.Errorf("output missing %q\nGot: %s", want, buf.String())
		}
	}

	if err := (&CSVFormatter{}).Format(TestData{}, buf); err == nil {
		t.Error("CSV of a single struct should fail")
	}
}

func TestFormatValue(t *testing.T) {
	ts := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	tests := []struct {
		in   interface{}
		want string
	}{
		{time.Time{}, "-"},
		{ts, "2026-05-01T10:00:00Z"},
		{[]string{"a", "b"}, "a,b"},
		{time.Second, "1s"},
		{7, "7"},
	}
	for _, tt := range tests {
		if got := formatValue(tt.in); got != tt.want {
			t.Errorf("formatValue(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestValidateFormat(t *testing.T) {
	supported := []OutputFormat{FormatTable, FormatJSON}
	if err := ValidateFormat("json", supported); err != nil {
		t.Errorf("ValidateFormat(json) = %v", err)
	}
	if err := ValidateFormat("yaml", supported); err == nil {
		t.Error("ValidateFormat(yaml) should fail")
	}
}
