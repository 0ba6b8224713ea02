package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/go-playground/validator/v10"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"validation", ValidationError("bad"), KindValidation},
		{"conflict", AlreadyDownloaded(), KindConflict},
		{"not found", NotFound("download"), KindNotFound},
		{"reconnect", ReconnectRequired("youtube"), KindUnauthorized},
		{"unavailable", ServiceUnavailable("platform:youtube", "timeout"), KindUnavailable},
		{"wrapped", fmt.Errorf("queue: %w", TooManyActiveDownloads(5)), KindConflict},
		{"plain error", errors.New("boom"), KindInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Errorf("KindOf() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestIsKind_Nil(t *testing.T) {
	if IsKind(nil, KindInternal) {
		t.Error("nil error should not match any kind")
	}
}

func TestServiceUnavailable_DropsCause(t *testing.T) {
	err := ServiceUnavailable("storage", "connection reset")
	if err.Cause != nil {
		t.Error("ServiceUnavailable should not carry a cause")
	}
	if err.Service != "storage" {
		t.Errorf("Expected service storage, got %s", err.Service)
	}
	if want := "SERVICE_UNAVAILABLE: storage unavailable: connection reset"; err.Error() != want {
		t.Errorf("Expected %q, got %q", want, err.Error())
	}
}

func TestHasCode(t *testing.T) {
	err := fmt.Errorf("wrap: %w", DailyUploadLimit("tiktok", 4))
	if !HasCode(err, CodeDailyUploadLimit) {
		t.Error("Expected wrapped error to carry DAILY_UPLOAD_LIMIT")
	}
	if HasCode(err, CodeConflict) {
		t.Error("Did not expect CONFLICT code")
	}
}

func TestFromValidator(t *testing.T) {
	type request struct {
		OwnerID string `validate:"required,uuid"`
		Title   string `validate:"max=5"`
	}

	err := validator.New().Struct(request{Title: "too long"})
	appErr := FromValidator(err)

	if appErr.Kind != KindValidation {
		t.Errorf("Expected validation kind, got %s", appErr.Kind)
	}
	if appErr.Details["OwnerID"] != "required" {
		t.Errorf("Expected OwnerID=required, got %v", appErr.Details["OwnerID"])
	}
	if appErr.Details["Title"] != "max" {
		t.Errorf("Expected Title=max, got %v", appErr.Details["Title"])
	}
}

func TestIsClientError(t *testing.T) {
	if !IsClientError(NotFound("credential")) {
		t.Error("not found should be a client error")
	}
	if IsClientError(ServiceUnavailable("x", "y")) {
		t.Error("unavailable should not be a client error")
	}
	if IsClientError(errors.New("plain")) {
		t.Error("plain errors should not be client errors")
	}
}
