package conversation

import "testing"

func TestMergeFragments_OrdersByReceivedAtThenSID(t *testing.T) {
	frags := []StagedFragment{
		{MessageSID: "SM3", Body: "third", ReceivedAt: "2026-08-01T12:00:02Z"},
		{MessageSID: "SM2", Body: "second", ReceivedAt: "2026-08-01T12:00:01Z"},
		{MessageSID: "SM1", Body: "first", ReceivedAt: "2026-08-01T12:00:01Z"},
	}

	got := MergeFragments(frags)
	want := "first\nsecond\nthird"
	if got != want {
		t.Fatalf("MergeFragments = %q, want %q", got, want)
	}
}

func TestMergeFragments_DoesNotMutateInput(t *testing.T) {
	frags := []StagedFragment{
		{MessageSID: "SM2", Body: "b", ReceivedAt: "2"},
		{MessageSID: "SM1", Body: "a", ReceivedAt: "1"},
	}
	MergeFragments(frags)
	if frags[0].MessageSID != "SM2" {
		t.Fatal("input slice was reordered")
	}
}

func TestMergeFragments_SingleAndEmpty(t *testing.T) {
	if got := MergeFragments([]StagedFragment{{Body: "only"}}); got != "only" {
		t.Fatalf("single fragment merge = %q", got)
	}
	if got := MergeFragments(nil); got != "" {
		t.Fatalf("empty merge = %q", got)
	}
}

func TestFirstFragment(t *testing.T) {
	frags := []StagedFragment{
		{MessageSID: "SM2", ReceivedAt: "2026-08-01T12:00:01Z"},
		{MessageSID: "SM1", ReceivedAt: "2026-08-01T12:00:01Z"},
		{MessageSID: "SM0", ReceivedAt: "2026-08-01T12:00:05Z"},
	}
	if got := FirstFragment(frags); got.MessageSID != "SM1" {
		t.Fatalf("FirstFragment = %q, want SM1", got.MessageSID)
	}
	if got := FirstFragment(nil); got.MessageSID != "" {
		t.Fatalf("FirstFragment(nil) = %#v", got)
	}
}

func TestFragmentSIDs(t *testing.T) {
	frags := []StagedFragment{{MessageSID: "SM1"}, {MessageSID: "SM2"}}
	sids := FragmentSIDs(frags)
	if len(sids) != 2 || sids[0] != "SM1" || sids[1] != "SM2" {
		t.Fatalf("unexpected sids: %v", sids)
	}
}
