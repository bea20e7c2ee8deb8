package models

import "testing"

func TestParseStatus(t *testing.T) {
	cases := []struct {
		input   string
		want    Status
		wantErr bool
	}{
		{"uploading", StatusUploading, false},
		{"READY", StatusReady, false},
		{"  error ", StatusError, false},
		{"Processing", StatusProcessing, false},
		{"uploaded", StatusUploaded, false},
		{"completed", "", true},
		{"", "", true},
		{"deleted", "", true},
	}
	for _, tc := range cases {
		got, err := ParseStatus(tc.input)
		if tc.wantErr {
			if err == nil {
				t.Errorf("ParseStatus(%q) expected error, got %q", tc.input, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseStatus(%q) unexpected error: %v", tc.input, err)
			continue
		}
		if got != tc.want {
			t.Errorf("ParseStatus(%q) = %q, want %q", tc.input, got, tc.want)
		}
	}
}

func TestCanTransition(t *testing.T) {
	allowed := map[[2]Status]bool{
		{StatusUploading, StatusUploaded}:   true,
		{StatusUploaded, StatusProcessing}:  true,
		{StatusProcessing, StatusReady}:     true,
		{StatusUploading, StatusError}:      true,
		{StatusUploaded, StatusError}:       true,
		{StatusProcessing, StatusError}:     true,
		{StatusReady, StatusReady}:          true,
		{StatusError, StatusError}:          true,
		{StatusUploading, StatusUploading}:   true,
		{StatusUploaded, StatusUploaded}:     true,
		{StatusProcessing, StatusProcessing}: true,
	}
	for _, from := range Statuses() {
		for _, to := range Statuses() {
			want := allowed[[2]Status{from, to}]
			if got := CanTransition(from, to); got != want {
				t.Errorf("CanTransition(%s, %s) = %v, want %v", from, to, got, want)
			}
		}
	}
}

func TestCanTransitionRejectsSkipsAndReversals(t *testing.T) {
	cases := [][2]Status{
		{StatusUploading, StatusProcessing},
		{StatusUploading, StatusReady},
		{StatusUploaded, StatusReady},
		{StatusUploaded, StatusUploading},
		{StatusProcessing, StatusUploaded},
		{StatusReady, StatusProcessing},
		{StatusReady, StatusError},
		{StatusError, StatusUploading},
		{StatusError, StatusReady},
	}
	for _, tc := range cases {
		if CanTransition(tc[0], tc[1]) {
			t.Errorf("CanTransition(%s, %s) unexpectedly allowed", tc[0], tc[1])
		}
	}
}
