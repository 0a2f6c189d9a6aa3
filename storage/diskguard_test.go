package storage

import "testing"

func TestHasHeadroomAgainstCurrentVolume(t *testing.T) {
	g := NewGuard(".", 0)
	ok, err := g.HasHeadroom()
	if err != nil {
		t.Fatalf("HasHeadroom: %v", err)
	}
	if !ok {
		t.Fatal("expected headroom with a zero minimum free space floor")
	}
}

func TestCheckFailsWithUnreasonableFloor(t *testing.T) {
	// No real volume has a petabyte of free space; this exercises the
	// rejection path without depending on the test machine's actual disk
	// usage.
	g := NewGuard(".", 1<<30) // 1 PB expressed in MB
	if err := g.Check(); err == nil {
		t.Fatal("expected Check to fail against an unreasonably high floor")
	}
}
