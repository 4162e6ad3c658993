package clock

import (
	"testing"
	"time"
)

func TestNow_ReturnsCurrentTime(t *testing.T) {
	before := time.Now()
	result := Now()
	after := time.Now()

	if result.Before(before) || result.After(after) {
		t.Errorf("Now() returned %v, expected between %v and %v", result, before, after)
	}
}

func TestMock_Now(t *testing.T) {
	mockTime := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	mock := NewMock(mockTime)

	if got := mock.Now(); !got.Equal(mockTime) {
		t.Errorf("Mock.Now() returned %v, expected exactly %v", got, mockTime)
	}
}

func TestMock_Advance(t *testing.T) {
	mockTime := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	mock := NewMock(mockTime)

	mock.Advance(time.Hour)

	expected := mockTime.Add(time.Hour)
	if got := mock.Now(); !got.Equal(expected) {
		t.Errorf("After Advance, Now() = %v, expected %v", got, expected)
	}
}

func TestMock_Set(t *testing.T) {
	mock := NewMock(time.Date(1999, 1, 1, 0, 0, 0, 0, time.UTC))

	newTime := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	mock.Set(newTime)

	if got := mock.Now(); !got.Equal(newTime) {
		t.Errorf("After Set, Now() = %v, expected %v", got, newTime)
	}
}

func TestMock_Since(t *testing.T) {
	mockTime := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	mock := NewMock(mockTime)

	past := mockTime.Add(-30 * time.Minute)
	if got := mock.Since(past); got != 30*time.Minute {
		t.Errorf("Since = %v, want 30m", got)
	}
}
