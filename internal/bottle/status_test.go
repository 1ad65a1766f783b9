package bottle

import "testing"

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to Status
		want     bool
	}{
		{StatusQueued, StatusUploading, true},
		{StatusUploading, StatusMinting, true},
		{StatusMinting, StatusConfirming, true},
		{StatusConfirming, StatusCompleted, true},
		{StatusMinting, StatusMinting, true},
		{StatusQueued, StatusFailed, true},
		{StatusConfirming, StatusFailed, true},
		{StatusMinting, StatusUploading, false},
		{StatusCompleted, StatusFailed, false},
		{StatusFailed, StatusQueued, false},
		{StatusCompleted, StatusCompleted, false},
		{Status("bogus"), StatusUploading, false},
	}
	for _, tc := range cases {
		if got := CanTransition(tc.from, tc.to); got != tc.want {
			t.Fatalf("CanTransition(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestProgress(t *testing.T) {
	want := map[Status]int{
		StatusQueued:     0,
		StatusUploading:  10,
		StatusMinting:    40,
		StatusConfirming: 80,
		StatusCompleted:  100,
	}
	for s, p := range want {
		if s.Progress() != p {
			t.Fatalf("%s progress = %d, want %d", s, s.Progress(), p)
		}
	}
}
