package score

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrNotFound      = errors.New("annotation score not found")
	ErrTraceNotFound = errors.New("trace not found in project")
	ErrInvalidInput  = errors.New("invalid score input")
	ErrInvalidScore  = errors.New("score failed validation")
)

type DataType string

const (
	DataTypeNumeric     DataType = "NUMERIC"
	DataTypeCategorical DataType = "CATEGORICAL"
	DataTypeBoolean     DataType = "BOOLEAN"
)

func (d DataType) Valid() bool {
	switch d {
	case DataTypeNumeric, DataTypeCategorical, DataTypeBoolean:
		return true
	default:
		return false
	}
}

type Source string

const (
	SourceAPI        Source = "API"
	SourceAnnotation Source = "ANNOTATION"
	SourceEval       Source = "EVAL"
)

func (s Source) Valid() bool {
	switch s {
	case SourceAPI, SourceAnnotation, SourceEval:
		return true
	default:
		return false
	}
}

// Score is one stored score row. The JSON form is what audit snapshots
// record.
type Score struct {
	ID            string    `json:"id"`
	ProjectID     string    `json:"projectId"`
	TraceID       string    `json:"traceId,omitempty"`
	ObservationID string    `json:"observationId,omitempty"`
	Name          string    `json:"name"`
	Value         *float64  `json:"value"`
	StringValue   string    `json:"stringValue,omitempty"`
	DataType      DataType  `json:"dataType"`
	Source        Source    `json:"source"`
	Comment       string    `json:"comment,omitempty"`
	AuthorUserID  string    `json:"authorUserId,omitempty"`
	ConfigID      string    `json:"configId,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// ListedScore is a score row joined with its trace, job execution and
// author.
type ListedScore struct {
	Score
	TraceUserID        string
	TraceName          string
	JobConfigurationID string
	AuthorUserImage    string
	AuthorUserName     string
}

const (
	booleanTrue  = "True"
	booleanFalse = "False"
)

// ValidateScore checks that a stored score is consistent with its data type.
func ValidateScore(s *Score) error {
	if s == nil {
		return fmt.Errorf("%w: score is nil", ErrInvalidScore)
	}
	if err := checkValueShape(s.DataType, s.Value, s.StringValue); err != nil {
		return fmt.Errorf("%w: score %q: %v", ErrInvalidScore, s.ID, err)
	}
	if !s.Source.Valid() {
		return fmt.Errorf("%w: score %q: unknown source %q", ErrInvalidScore, s.ID, s.Source)
	}
	return nil
}

func checkValueShape(dataType DataType, value *float64, stringValue string) error {
	switch dataType {
	case DataTypeNumeric:
		if value == nil {
			return errors.New("numeric score requires a value")
		}
	case DataTypeCategorical:
		if strings.TrimSpace(stringValue) == "" {
			return errors.New("categorical score requires a string value")
		}
	case DataTypeBoolean:
		if value == nil || (*value != 0 && *value != 1) {
			return errors.New("boolean score value must be 0 or 1")
		}
		want := booleanFalse
		if *value == 1 {
			want = booleanTrue
		}
		if stringValue != want {
			return fmt.Errorf("boolean score string value must be %q", want)
		}
	default:
		return fmt.Errorf("unknown data type %q", dataType)
	}
	return nil
}

// CreateAnnotationInput is a human annotation keyed by
// (project, trace, observation, config).
type CreateAnnotationInput struct {
	ProjectID     string
	TraceID       string
	ObservationID string
	Name          string
	Value         *float64
	StringValue   string
	DataType      DataType
	ConfigID      string
	Comment       string
}

func (in *CreateAnnotationInput) normalize() error {
	in.ProjectID = strings.TrimSpace(in.ProjectID)
	in.TraceID = strings.TrimSpace(in.TraceID)
	in.ObservationID = strings.TrimSpace(in.ObservationID)
	in.Name = strings.TrimSpace(in.Name)
	in.ConfigID = strings.TrimSpace(in.ConfigID)

	switch {
	case in.ProjectID == "":
		return fmt.Errorf("%w: projectId is required", ErrInvalidInput)
	case in.TraceID == "":
		return fmt.Errorf("%w: traceId is required", ErrInvalidInput)
	case in.Name == "":
		return fmt.Errorf("%w: name is required", ErrInvalidInput)
	case in.ConfigID == "":
		return fmt.Errorf("%w: configId is required", ErrInvalidInput)
	case !in.DataType.Valid():
		return fmt.Errorf("%w: dataType %q is not supported", ErrInvalidInput, in.DataType)
	}
	in.StringValue = canonicalStringValue(in.DataType, in.Value, in.StringValue)
	if err := checkValueShape(in.DataType, in.Value, in.StringValue); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return nil
}

// UpdateAnnotationInput overwrites the value fields of an existing
// annotation.
type UpdateAnnotationInput struct {
	ProjectID   string
	ID          string
	Value       *float64
	StringValue string
	Comment     string
}

func (in *UpdateAnnotationInput) normalize() error {
	in.ProjectID = strings.TrimSpace(in.ProjectID)
	in.ID = strings.TrimSpace(in.ID)
	if in.ProjectID == "" {
		return fmt.Errorf("%w: projectId is required", ErrInvalidInput)
	}
	if in.ID == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidInput)
	}
	return nil
}

// canonicalStringValue fills the BOOLEAN label when the caller sent only the
// numeric value.
func canonicalStringValue(dataType DataType, value *float64, stringValue string) string {
	if dataType != DataTypeBoolean || stringValue != "" || value == nil {
		return stringValue
	}
	switch *value {
	case 1:
		return booleanTrue
	case 0:
		return booleanFalse
	default:
		return stringValue
	}
}
