package main

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/basket/decisiontrace/internal/doctor"
)

func TestRunDoctorCommand_TextOutput(t *testing.T) {
	setTestConfig(t, "bind_addr: \"127.0.0.1:0\"\n")
	out := captureStdout(t)

	code := runDoctorCommand(context.Background(), nil)
	if code != 0 {
		t.Fatalf("got exit code %d, want 0:\n%s", code, out.String())
	}
	for _, want := range []string{"decisiontrace doctor", "Storage", "Bind Address"} {
		if !strings.Contains(out.String(), want) {
			t.Fatalf("output missing %q:\n%s", want, out.String())
		}
	}
}

func TestRunDoctorCommand_JSONOutput(t *testing.T) {
	setTestConfig(t, "bind_addr: \"127.0.0.1:0\"\n")
	out := captureStdout(t)

	code := runDoctorCommand(context.Background(), []string{"--json"})
	if code != 0 {
		t.Fatalf("got exit code %d, want 0", code)
	}
	var diag doctor.Diagnosis
	if err := json.Unmarshal(out.Bytes(), &diag); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, out.String())
	}
	if diag.System.Version != Version || len(diag.Results) == 0 {
		t.Fatalf("unexpected diagnosis %+v", diag)
	}
}

func TestRunDoctorCommand_FailingCheck(t *testing.T) {
	setTestConfig(t, "bind_addr: \"127.0.0.1:0\"\nretention:\n  days: 7\n  schedule: \"whenever\"\n")
	captureStdout(t)

	if code := runDoctorCommand(context.Background(), nil); code != 1 {
		t.Fatalf("got exit code %d, want 1 for an invalid schedule", code)
	}
}

func TestRunDoctorCommand_BadFlag(t *testing.T) {
	if code := runDoctorCommand(context.Background(), []string{"-verbose"}); code != 2 {
		t.Fatalf("got exit code %d, want 2", code)
	}
}
