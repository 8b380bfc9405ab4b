package domain

import (
	"errors"
	"math"
	"testing"
)

func TestPageRequestValidate(t *testing.T) {
	tests := []struct {
		name string
		req  PageRequest
		want error
	}{
		{name: "valid", req: PageRequest{Page: 1, Limit: 10}},
		{name: "max limit", req: PageRequest{Page: 3, Limit: MaxPageLimit}},
		{name: "zero page", req: PageRequest{Page: 0, Limit: 10}, want: ErrPageInvalid},
		{name: "negative page", req: PageRequest{Page: -2, Limit: 10}, want: ErrPageInvalid},
		{name: "zero limit", req: PageRequest{Page: 1, Limit: 0}, want: ErrLimitInvalid},
		{name: "limit too big", req: PageRequest{Page: 1, Limit: MaxPageLimit + 1}, want: ErrLimitInvalid},
		{name: "last addressable page", req: PageRequest{Page: math.MaxInt/10 + 1, Limit: 10}},
		{name: "offset overflows", req: PageRequest{Page: math.MaxInt/10 + 2, Limit: 10}, want: ErrPageInvalid},
		{name: "max int page", req: PageRequest{Page: math.MaxInt, Limit: 10}, want: ErrPageInvalid},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Validate()
			if !errors.Is(err, tt.want) {
				t.Fatalf("Validate() = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestNewPageMeta(t *testing.T) {
	tests := []struct {
		total    int64
		page     int
		limit    int
		lastPage int
	}{
		{total: 12, page: 2, limit: 5, lastPage: 3},
		{total: 10, page: 1, limit: 5, lastPage: 2},
		{total: 0, page: 1, limit: 10, lastPage: 0},
		{total: 1, page: 7, limit: 100, lastPage: 1},
	}

	for _, tt := range tests {
		meta := NewPageMeta(tt.total, PageRequest{Page: tt.page, Limit: tt.limit})
		if meta.Total != tt.total || meta.Page != tt.page || meta.LastPage != tt.lastPage {
			t.Fatalf("unexpected meta for total=%d limit=%d: %+v", tt.total, tt.limit, meta)
		}
	}
}

func TestPageRequestOffset(t *testing.T) {
	if got := (PageRequest{Page: 3, Limit: 10}).Offset(); got != 20 {
		t.Fatalf("expected offset 20, got %d", got)
	}
	if got := (PageRequest{Page: 0, Limit: 10}).Offset(); got != 0 {
		t.Fatalf("expected zero offset for invalid page, got %d", got)
	}
	if got := (PageRequest{Page: math.MaxInt, Limit: 10}).Offset(); got != math.MaxInt {
		t.Fatalf("overflowing offset must saturate, got %d", got)
	}
}
