package event

import (
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"
)

func sampleRecord() Record {
	created, _ := time.Parse(createdFormat, "2024-03-01T10:20:30.000123")
	return Record{
		UUID:       "00a50d9c-161a-4b74-b978-9f60becaf209",
		Counter:    6,
		ParentUUID: "0242ac11-0002-443b-cdb1-000000000006",
		Event:      KindRunnerOK,
		EventData: map[string]any{
			"host":    "localhost",
			"task":    "debug",
			"changed": false,
		},
		Stdout:    "ok: [localhost]",
		StartLine: 7,
		EndLine:   10,
		Created:   created,
		PID:       740,
	}
}

func TestRoundTrip(t *testing.T) {
	want := sampleRecord()
	data, err := Encode(want)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("round trip mismatch:\n got %#v\nwant %#v", got, want)
	}
}

func TestRoundTripEmptyOptionals(t *testing.T) {
	want := Record{
		UUID:    "aaaa",
		Counter: 1,
		Event:   KindVerbose,
		Created: time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
	}
	data, err := Encode(want)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("round trip mismatch:\n got %#v\nwant %#v", got, want)
	}
	if strings.Contains(string(data), "parent_uuid") {
		t.Error("empty parent_uuid should be omitted from the wire form")
	}
}

func TestRoundTripBinaryStdout(t *testing.T) {
	want := Record{
		UUID:    "bbbb",
		Counter: 2,
		Event:   KindVerbose,
		Stdout:  "valid\xff\xfe\x80invalid",
		Created: time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
	}
	data, err := Encode(want)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if !strings.Contains(string(data), "stdout_raw") {
		t.Fatal("binary stdout should be escaped into stdout_raw")
	}
	got, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.Stdout != want.Stdout {
		t.Errorf("binary stdout not lossless: got %q want %q", got.Stdout, want.Stdout)
	}
}

func TestDecodeMalformed(t *testing.T) {
	cases := []struct {
		name  string
		input string
	}{
		{"truncated", `{"uuid":"x","counter":`},
		{"not json", `not an event`},
		{"wrong type", `{"uuid":"x","counter":"six"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Decode([]byte(tc.input))
			if err == nil {
				t.Fatal("expected error")
			}
			var malformed *MalformedEventError
			if !errors.As(err, &malformed) {
				t.Fatalf("expected MalformedEventError, got %T", err)
			}
			if malformed.Offset <= 0 {
				t.Errorf("offset should be positive, got %d", malformed.Offset)
			}
		})
	}
}

func TestDecodeRFC3339Created(t *testing.T) {
	r, err := Decode([]byte(`{"uuid":"x","counter":1,"event":"verbose","stdout":"","start_line":0,"end_line":0,"created":"2024-03-01T10:20:30Z"}`))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if r.Created.IsZero() {
		t.Error("created should be parsed")
	}
}
