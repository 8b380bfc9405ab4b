package rpc

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestCodeForStatus(t *testing.T) {
	tests := []struct {
		status int
		want   codes.Code
	}{
		{status: http.StatusBadRequest, want: codes.InvalidArgument},
		{status: http.StatusNotFound, want: codes.NotFound},
		{status: http.StatusConflict, want: codes.Aborted},
		{status: http.StatusServiceUnavailable, want: codes.Unavailable},
		{status: http.StatusInternalServerError, want: codes.Internal},
		{status: 418, want: codes.Internal},
	}

	for _, tt := range tests {
		if got := CodeForStatus(tt.status); got != tt.want {
			t.Fatalf("CodeForStatus(%d) = %s, want %s", tt.status, got, tt.want)
		}
	}
}

func TestErrorGRPCStatusRoundTrip(t *testing.T) {
	original := NotFound("Order with id 42 not found")

	st, ok := status.FromError(original)
	if !ok {
		t.Fatal("expected rpc.Error to be convertible to grpc status")
	}
	if st.Code() != codes.NotFound {
		t.Fatalf("expected NotFound code, got %s", st.Code())
	}

	var info *errdetails.ErrorInfo
	for _, detail := range st.Details() {
		if v, ok := detail.(*errdetails.ErrorInfo); ok {
			info = v
		}
	}
	if info == nil || info.GetMetadata()["status"] != "404" {
		t.Fatalf("expected ErrorInfo with status=404, got %+v", info)
	}

	restored := FromGRPCError(st.Err())
	if restored.Status != http.StatusNotFound || restored.Message != original.Message {
		t.Fatalf("unexpected restored error: %+v", restored)
	}
}

func TestFromGRPCError_WithoutDetails(t *testing.T) {
	err := status.Error(codes.Aborted, "conflict")
	restored := FromGRPCError(err)
	if restored.Status != http.StatusConflict {
		t.Fatalf("expected 409 for aborted, got %d", restored.Status)
	}

	restored = FromGRPCError(status.Error(codes.DeadlineExceeded, "slow"))
	if restored.Status != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 for deadline exceeded, got %d", restored.Status)
	}

	if FromGRPCError(nil) != nil {
		t.Fatal("expected nil for nil error")
	}
}

func TestAsError(t *testing.T) {
	wrapped := fmt.Errorf("handler: %w", BadRequest("Check logs"))
	if got := AsError(wrapped); got.Status != http.StatusBadRequest || got.Message != "Check logs" {
		t.Fatalf("unexpected error: %+v", got)
	}

	if got := AsError(errors.New("db is down")); got.Status != http.StatusInternalServerError || got.Message != "internal server error" {
		t.Fatalf("unexpected error for plain error: %+v", got)
	}

	if AsError(nil) != nil {
		t.Fatal("expected nil for nil error")
	}
}
