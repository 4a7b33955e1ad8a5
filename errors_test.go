package kci

import (
	"errors"
	"testing"
)

func TestStructuredError(t *testing.T) {
	err := NewSeqError("FIRMWARE_INFO", 42, ErrCodeTimeout, "no response from firmware")

	if err.Op != "FIRMWARE_INFO" {
		t.Errorf("Expected Op=FIRMWARE_INFO, got %s", err.Op)
	}

	if err.Code != ErrCodeTimeout {
		t.Errorf("Expected Code=ErrCodeTimeout, got %s", err.Code)
	}

	expected := "kci: no response from firmware (op=FIRMWARE_INFO seq=42)"
	if err.Error() != expected {
		t.Errorf("Expected error message %q, got %q", expected, err.Error())
	}
}

func TestSentinelErrors(t *testing.T) {
	structured := NewSeqError("ACK", 7, ErrCodeTimeout, "")

	if !errors.Is(structured, ErrTimeout) {
		t.Error("Structured error should match sentinel via errors.Is")
	}

	if errors.Is(structured, ErrNoResponse) {
		t.Error("Timeout must not match the no-response sentinel")
	}
}

func TestWrapErrorKeepsContext(t *testing.T) {
	inner := NewSeqError("ACK", 3, ErrCodeNoResponse, "firmware skipped command")
	wrapped := WrapError("handshake", inner)

	if wrapped.Op != "handshake" {
		t.Errorf("Expected Op=handshake, got %s", wrapped.Op)
	}

	if wrapped.Seq != 3 {
		t.Errorf("Expected Seq=3, got %d", wrapped.Seq)
	}

	if !IsCode(wrapped, ErrCodeNoResponse) {
		t.Error("Wrapped error should keep the inner category")
	}

	if WrapError("x", nil) != nil {
		t.Error("Wrapping nil should stay nil")
	}
}

func TestFirmwareErrorMapping(t *testing.T) {
	err := NewFirmwareError("GET_USAGE", 9, FwResourceExhausted)

	if !IsFirmwareStatus(err, FwResourceExhausted) {
		t.Error("Expected firmware status to be preserved")
	}

	if IsFirmwareStatus(err, FwInternal) {
		t.Error("IsFirmwareStatus must match the exact status")
	}

	if !IsCode(err, ErrCodeFirmware) {
		t.Error("Firmware errors use the firmware category")
	}
}
