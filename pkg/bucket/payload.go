package bucket

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// PayloadKind discriminates bucket payloads.
type PayloadKind string

const (
	// PayloadIOS runs XCTest bundles on simulators.
	PayloadIOS PayloadKind = "ios_tests"
	// PayloadAndroid runs instrumentation APKs on emulators.
	PayloadAndroid PayloadKind = "android_tests"
)

// Payload is the platform-specific part of a bucket. The set of
// implementations is closed: IOSPayload and AndroidPayload.
type Payload interface {
	Kind() PayloadKind
	TestEntries() []TestEntry
	ArtifactsKey() string

	withTestEntries(entries []TestEntry) Payload
}

// TestType selects how an iOS test bundle is hosted.
type TestType string

const (
	TestTypeLogic TestType = "logic_test"
	TestTypeApp   TestType = "app_test"
	TestTypeUI    TestType = "ui_test"
)

// IOSBuildArtifacts references the bundles needed to run iOS tests.
type IOSBuildArtifacts struct {
	AppBundle      string   `json:"app_bundle,omitempty"`
	RunnerApp      string   `json:"runner_app,omitempty"`
	XCTestBundle   string   `json:"xctest_bundle"`
	AdditionalApps []string `json:"additional_apps,omitempty"`
}

// IOSPayload runs XCTest entries.
type IOSPayload struct {
	Entries   []TestEntry       `json:"test_entries"`
	Artifacts IOSBuildArtifacts `json:"build_artifacts"`
	TestType  TestType          `json:"test_type"`
}

func (IOSPayload) Kind() PayloadKind           { return PayloadIOS }
func (p IOSPayload) TestEntries() []TestEntry { return p.Entries }

func (p IOSPayload) ArtifactsKey() string {
	parts := []string{string(p.TestType), p.Artifacts.AppBundle, p.Artifacts.RunnerApp, p.Artifacts.XCTestBundle}
	parts = append(parts, p.Artifacts.AdditionalApps...)
	return strings.Join(parts, "|")
}

func (p IOSPayload) withTestEntries(entries []TestEntry) Payload {
	p.Entries = entries
	return p
}

// AndroidBuildArtifacts references the APKs needed to run Android tests.
type AndroidBuildArtifacts struct {
	AppAPK  string `json:"app_apk"`
	TestAPK string `json:"test_apk"`
}

// AndroidPayload runs instrumentation test entries.
type AndroidPayload struct {
	Entries   []TestEntry           `json:"test_entries"`
	Artifacts AndroidBuildArtifacts `json:"build_artifacts"`
}

func (AndroidPayload) Kind() PayloadKind           { return PayloadAndroid }
func (p AndroidPayload) TestEntries() []TestEntry { return p.Entries }

func (p AndroidPayload) ArtifactsKey() string {
	return p.Artifacts.AppAPK + "|" + p.Artifacts.TestAPK
}

func (p AndroidPayload) withTestEntries(entries []TestEntry) Payload {
	p.Entries = entries
	return p
}

var (
	_ Payload = IOSPayload{}
	_ Payload = AndroidPayload{}
)

// ErrUnknownPayloadKind is returned when decoding a payload with an
// unrecognized kind.
var ErrUnknownPayloadKind = errors.New("unknown payload kind")

type bucketJSON struct {
	ID            ID                      `json:"bucket_id"`
	Kind          PayloadKind             `json:"payload_kind"`
	Payload       json.RawMessage         `json:"payload"`
	Destination   TestDestination         `json:"destination"`
	ToolResources ToolResources           `json:"tool_resources"`
	Environment   map[string]string       `json:"environment,omitempty"`
	Requirements  []CapabilityRequirement `json:"worker_capability_requirements,omitempty"`
}

// MarshalJSON encodes the payload next to its kind discriminator.
func (b Bucket) MarshalJSON() ([]byte, error) {
	out := bucketJSON{
		ID:            b.ID,
		Destination:   b.Destination,
		ToolResources: b.ToolResources,
		Environment:   b.Environment,
		Requirements:  b.Requirements,
	}
	if b.Payload != nil {
		data, err := json.Marshal(b.Payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %s payload: %w", b.Payload.Kind(), err)
		}
		out.Kind = b.Payload.Kind()
		out.Payload = data
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes a bucket, selecting the payload type by kind.
func (b *Bucket) UnmarshalJSON(data []byte) error {
	var in bucketJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}

	var payload Payload
	switch in.Kind {
	case PayloadIOS:
		var p IOSPayload
		if err := json.Unmarshal(in.Payload, &p); err != nil {
			return fmt.Errorf("failed to unmarshal ios payload: %w", err)
		}
		payload = p
	case PayloadAndroid:
		var p AndroidPayload
		if err := json.Unmarshal(in.Payload, &p); err != nil {
			return fmt.Errorf("failed to unmarshal android payload: %w", err)
		}
		payload = p
	case "":
		if len(in.Payload) > 0 && string(in.Payload) != "null" {
			return fmt.Errorf("%w: payload without kind", ErrUnknownPayloadKind)
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownPayloadKind, in.Kind)
	}

	*b = Bucket{
		ID:            in.ID,
		Payload:       payload,
		Destination:   in.Destination,
		ToolResources: in.ToolResources,
		Environment:   in.Environment,
		Requirements:  in.Requirements,
	}
	return nil
}
