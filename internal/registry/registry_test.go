package registry

import (
	"testing"

	"github.com/lighterfeed/lighterfeed/internal/config"
)

func TestAllSortedByAccountID(t *testing.T) {
	r := New([]config.AccountConfig{
		{AccountID: 5},
		{AccountID: 1},
		{AccountID: 3},
	})
	all := r.All()
	if len(all) != 3 || all[0].AccountID != 1 || all[1].AccountID != 3 || all[2].AccountID != 5 {
		t.Errorf("All() = %+v, want sorted 1,3,5", all)
	}
}

func TestGet(t *testing.T) {
	r := New([]config.AccountConfig{{AccountID: 7, AccountName: "seven"}})
	a, ok := r.Get(7)
	if !ok || a.AccountName != "seven" {
		t.Errorf("Get(7) = %+v, %v", a, ok)
	}
	if _, ok := r.Get(9); ok {
		t.Error("expected Get(9) to miss")
	}
}

func TestLen(t *testing.T) {
	r := New([]config.AccountConfig{{AccountID: 1}, {AccountID: 2}})
	if r.Len() != 2 {
		t.Errorf("Len() = %d, want 2", r.Len())
	}
}
